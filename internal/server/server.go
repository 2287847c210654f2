// Package server exposes a loaded classifier over HTTP.
//
// Routes:
//
//	GET  /healthz, /readyz    liveness and readiness probes
//	GET  /health              model status and supported emotions
//	POST /predict             multipart upload (field "file") of one WAV clip
//	GET  /api/emotions        the categories of the loaded run
//	GET  /api/history         recent predictions, newest first
//	POST /api/history/similar past predictions closest to a distribution
//	GET  /ws/live             websocket, one binary WAV message per result
//
// The metrics endpoint is mounted only when a handler is supplied with
// [WithMetricsHandler].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/MrWong99/telepathy/internal/health"
	"github.com/MrWong99/telepathy/internal/history"
	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/pkg/types"
)

const (
	defaultMaxUpload    = 32 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Classifier is the inference surface the server needs. It is satisfied by
// *inference.Context.
type Classifier interface {
	ClassifyBytes(ctx context.Context, data []byte) (types.Prediction, error)
	Categories() []string
	RunID() string
}

// Server routes HTTP requests to a [Classifier]. A nil classifier is valid;
// prediction routes then answer 503.
type Server struct {
	classifier  Classifier
	recorder    *history.Recorder
	metrics     *observe.Metrics
	maxUpload   int64
	metricsPath string
	metricsH    http.Handler
	checkers    []health.Checker

	done      chan struct{}
	closeOnce sync.Once
}

// Option customises a [Server].
type Option func(*Server)

// WithHistory records every successful prediction through r and enables
// the history routes.
func WithHistory(r *history.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxUploadBytes caps request bodies and websocket messages.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithMetricsHandler mounts h at path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) { s.metricsPath, s.metricsH = path, h }
}

// WithReadiness adds readiness checks on top of the built-in model check.
func WithReadiness(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// New returns a Server for c.
func New(c Classifier, opts ...Option) *Server {
	s := &Server{classifier: c, maxUpload: defaultMaxUpload, done: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	checkers := append([]health.Checker{{Name: "model", Check: s.checkModel}}, s.checkers...)
	health.New(checkers, health.WithInfo(s.info)).Register(mux)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /predict", s.handlePredict)
	mux.HandleFunc("GET /api/emotions", s.handleEmotions)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/history/similar", s.handleSimilar)
	mux.HandleFunc("GET /ws/live", s.handleLive)
	if s.metricsH != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, s.metricsH)
	}

	return cors(observe.Middleware(s.metrics)(mux))
}

// Close ends open /ws/live connections. http.Server.Shutdown does not track
// hijacked connections, so register Close with RegisterOnShutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) checkModel(context.Context) error {
	if s.classifier == nil {
		return types.ErrArtifactNotLoaded
	}
	return nil
}

func (s *Server) info() map[string]string {
	if s.classifier == nil {
		return nil
	}
	info := map[string]string{
		"run_id":     s.classifier.RunID(),
		"categories": strconv.Itoa(len(s.classifier.Categories())),
	}
	if s.recorder != nil {
		info["history_breaker"] = s.recorder.BreakerState().String()
	}
	return info
}

type healthResponse struct {
	Status            string   `json:"status"`
	ModelLoaded       bool     `json:"model_loaded"`
	SupportedEmotions []string `json:"supported_emotions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "healthy", SupportedEmotions: []string{}}
	if s.classifier != nil {
		resp.ModelLoaded = true
		resp.SupportedEmotions = s.classifier.Categories()
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmotions(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		s.writeError(w, r, types.ErrArtifactNotLoaded)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"emotions": s.classifier.Categories()})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		s.writeError(w, r, types.ErrArtifactNotLoaded)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	f, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, uploadError(err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.writeError(w, r, uploadError(err))
		return
	}

	p, err := s.classifyClip(r.Context(), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, p); err != nil {
		return
	}
	s.metrics.RecordPrediction(r.Context(), p.Emotion)
	s.record(r.Context(), p, "predict")
}

func (s *Server) record(ctx context.Context, p types.Prediction, source string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, history.NewEntry(p, s.classifier.Categories(), source))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeDetail(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.metrics.RecordRequestError(r.Context(), "bad_request")
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.recorder.Store().Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type similarRequest struct {
	Probabilities map[string]float64 `json:"all_probabilities"`
	Limit         int                `json:"limit"`
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeDetail(w, http.StatusNotFound, "history is disabled")
		return
	}
	if s.classifier == nil {
		s.writeError(w, r, types.ErrArtifactNotLoaded)
		return
	}
	var req similarRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		s.metrics.RecordRequestError(r.Context(), "bad_request")
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Probabilities) == 0 {
		s.metrics.RecordRequestError(r.Context(), "bad_request")
		writeDetail(w, http.StatusBadRequest, "all_probabilities is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	categories := s.classifier.Categories()
	for name := range req.Probabilities {
		if !slices.Contains(categories, name) {
			s.writeError(w, r, fmt.Errorf("server: emotion %q: %w", name, types.ErrUnknownLabel))
			return
		}
	}
	query := types.Prediction{Probabilities: req.Probabilities}
	dist := history.NewEntry(query, categories, "").Distribution

	matches, err := s.recorder.Store().Similar(r.Context(), dist, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []history.Match{}
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxHistoryLimit), nil
}

// cors allows every origin, method and header.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
