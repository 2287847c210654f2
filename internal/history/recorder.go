package history

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/internal/resilience"
)

// writeTimeout bounds a single history write issued from a request.
const writeTimeout = 2 * time.Second

// Recorder writes entries to a [Store] through a circuit breaker. Errors are
// logged and counted, never returned, so callers on the prediction path do
// not need to handle them.
type Recorder struct {
	store   Store
	breaker *resilience.Breaker
	metrics *observe.Metrics
}

// NewRecorder wraps store. A nil breaker gets the default configuration.
func NewRecorder(store Store, breaker *resilience.Breaker, m *observe.Metrics) *Recorder {
	if breaker == nil {
		breaker = resilience.New(resilience.Config{Name: "history"})
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Recorder{store: store, breaker: breaker, metrics: m}
}

// Store returns the underlying store for reads.
func (r *Recorder) Store() Store { return r.store }

// Record writes e. The write survives cancellation of ctx so a client that
// disconnects right after its response still gets its prediction logged.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err := r.breaker.Do(wctx, func(ctx context.Context) error {
		return r.store.Record(ctx, e)
	})
	switch {
	case err == nil:
		r.metrics.RecordHistoryWrite(ctx, "ok")
	case errors.Is(err, resilience.ErrOpen):
		r.metrics.RecordHistoryWrite(ctx, "rejected")
		observe.Logger(ctx).Debug("history write skipped, breaker open", "id", e.ID)
	default:
		r.metrics.RecordHistoryWrite(ctx, "error")
		observe.Logger(ctx).Warn("history write failed", "id", e.ID, "err", err)
	}
}

// BreakerState reports the breaker's state for readiness output.
func (r *Recorder) BreakerState() resilience.State { return r.breaker.State() }
