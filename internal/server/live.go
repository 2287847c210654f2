package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/pkg/types"
)

// liveWriteTimeout bounds a single reply on /ws/live.
const liveWriteTimeout = 10 * time.Second

// liveError is the reply sent for a message that could not be classified.
// The connection stays open afterwards.
type liveError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// handleLive upgrades to a websocket. Each binary message must be one
// complete WAV clip and is answered with one JSON prediction.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		s.writeError(w, r, types.ErrArtifactNotLoaded)
		return
	}
	// Deadlines set from http.Server timeouts would otherwise outlive the
	// hijack and cut long sessions.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("live: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.maxUpload)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	s.metrics.LiveConnections.Add(ctx, 1)
	defer s.metrics.LiveConnections.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(ctx)
	log.Debug("live: connected", "remote", r.RemoteAddr)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("live: closed by client")
			default:
				if !errors.Is(err, context.Canceled) {
					log.Warn("live: read failed", "err", err)
				}
			}
			return
		}

		var (
			reply any
			pred  *types.Prediction
		)
		if typ != websocket.MessageBinary {
			s.metrics.RecordRequestError(ctx, "bad_request")
			reply = liveError{Error: "expected a binary WAV message", Kind: "bad_request"}
		} else if p, err := s.classifyClip(ctx, data); err != nil {
			status, kind := classify(err)
			s.metrics.RecordRequestError(ctx, kind)
			if status >= http.StatusInternalServerError {
				log.Error("live: classification failed", "err", err)
			}
			reply = liveError{Error: message(status, err), Kind: kind}
		} else {
			s.metrics.RecordPrediction(ctx, p.Emotion)
			reply, pred = p, &p
		}

		wctx, wcancel := context.WithTimeout(ctx, liveWriteTimeout)
		err = wsjson.Write(wctx, conn, reply)
		wcancel()
		if err != nil {
			log.Warn("live: write failed", "err", err)
			return
		}
		if pred != nil {
			s.record(ctx, *pred, "live")
		}
	}
}

// classifyClip runs the classifier and rejects invalid distributions.
func (s *Server) classifyClip(ctx context.Context, data []byte) (types.Prediction, error) {
	p, err := s.classifier.ClassifyBytes(ctx, data)
	if err != nil {
		return types.Prediction{}, err
	}
	if err := checkPrediction(p); err != nil {
		return types.Prediction{}, err
	}
	return p, nil
}
