package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/telepathy/internal/history"
	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/pkg/types"
)

// errUpload marks malformed multipart requests.
var errUpload = errors.New("server: invalid upload")

// errInvalidPrediction marks classifier output that is not a probability
// distribution.
var errInvalidPrediction = errors.New("server: classifier returned an invalid distribution")

// probabilityTolerance bounds how far a distribution may drift from summing to 1.
const probabilityTolerance = 1e-5

// checkPrediction rejects distributions that cannot be serialised or stored.
func checkPrediction(p types.Prediction) error {
	if !p.Valid(probabilityTolerance) {
		return fmt.Errorf("%w (sum %g)", errInvalidPrediction, p.Sum())
	}
	return nil
}

// classify maps err to an HTTP status and the request_errors kind.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, types.ErrAudioDecode):
		return http.StatusBadRequest, "decode"
	case errors.Is(err, types.ErrEmptyInput):
		return http.StatusBadRequest, "empty"
	case errors.Is(err, types.ErrShapeMismatch):
		return http.StatusBadRequest, "shape"
	case errors.Is(err, types.ErrUnknownLabel),
		errors.Is(err, history.ErrDimension),
		errors.Is(err, errUpload):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, types.ErrArtifactNotLoaded):
		return http.StatusServiceUnavailable, "not_loaded"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// uploadError keeps body-size violations recognisable and marks everything
// else as a bad upload.
func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: %w", errUpload, err)
}

// message is the client-facing text for err. Internal failures are not
// described to the client.
func message(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	s.metrics.RecordRequestError(r.Context(), kind)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "route", r.Pattern, "kind", kind, "err", err)
	} else {
		log.Debug("request rejected", "route", r.Pattern, "kind", kind, "err", err)
	}
	writeDetail(w, status, message(status, err))
}

// writeDetail writes {"detail": msg}.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, map[string]string{"detail": msg})
}

// writeJSON encodes v before writing the header. An unencodable value is
// answered with a 500.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"detail":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
	return err
}
