package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/internal/resilience"
	"github.com/MrWong99/telepathy/pkg/types"
)

var categories = []string{"angry", "happy", "sad"}

func entry(t *testing.T, emotion string, probs []float64, at time.Time) Entry {
	t.Helper()
	p := types.Prediction{
		Emotion:       emotion,
		Probabilities: map[string]float64{},
		Timestamp:     at,
		RunID:         "run-1",
	}
	for i, c := range categories {
		p.Probabilities[c] = probs[i]
		if c == emotion {
			p.Confidence = probs[i]
		}
	}
	return NewEntry(p, categories, "test")
}

func TestNewEntry(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	e := entry(t, "happy", []float64{0.1, 0.7, 0.2}, at)
	if e.ID == "" {
		t.Error("empty ID")
	}
	want := []float32{0.1, 0.7, 0.2}
	for i := range want {
		if e.Distribution[i] != want[i] {
			t.Errorf("distribution[%d] = %g, want %g", i, e.Distribution[i], want[i])
		}
	}
	if !e.CreatedAt.Equal(at) || e.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v in UTC", e.CreatedAt, at)
	}
	if e.Confidence != 0.7 || e.RunID != "run-1" || e.Source != "test" {
		t.Errorf("entry fields = %+v", e)
	}
}

func TestMemStore_RecentAndCapacity(t *testing.T) {
	s := NewMemStore(3)
	ctx := context.Background()
	base := time.Now()
	for i, emo := range []string{"angry", "happy", "sad", "happy"} {
		if err := s.Record(ctx, entry(t, emo, []float64{0.3, 0.4, 0.3}, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"happy", "sad", "happy"}
	if len(got) != len(want) {
		t.Fatalf("Recent returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Emotion != want[i] {
			t.Errorf("Recent[%d] = %s, want %s", i, got[i].Emotion, want[i])
		}
	}

	two, _ := s.Recent(ctx, 2)
	if len(two) != 2 {
		t.Errorf("Recent(2) returned %d entries", len(two))
	}
	if _, err := s.Recent(ctx, 0); err == nil {
		t.Error("Recent(0) accepted")
	}
}

func TestMemStore_Similar(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	now := time.Now()
	_ = s.Record(ctx, entry(t, "angry", []float64{0.9, 0.05, 0.05}, now))
	_ = s.Record(ctx, entry(t, "happy", []float64{0.05, 0.9, 0.05}, now))
	_ = s.Record(ctx, entry(t, "sad", []float64{0.1, 0.1, 0.8}, now))
	// A different category count never matches.
	_ = s.Record(ctx, Entry{ID: "other", Emotion: "x", Distribution: []float32{1, 0}})

	got, err := s.Similar(ctx, []float32{0.8, 0.1, 0.1}, 2)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Similar returned %d matches, want 2", len(got))
	}
	if got[0].Emotion != "angry" {
		t.Errorf("nearest = %s, want angry", got[0].Emotion)
	}
	if got[0].Distance > got[1].Distance {
		t.Errorf("matches not ordered: %g > %g", got[0].Distance, got[1].Distance)
	}
	if got[0].Distance < 0 || got[0].Distance > 0.05 {
		t.Errorf("nearest distance = %g, want near 0", got[0].Distance)
	}

	if _, err := s.Similar(ctx, nil, 1); !errors.Is(err, ErrDimension) {
		t.Errorf("empty query: got %v, want ErrDimension", err)
	}

	zero, err := s.Similar(ctx, []float32{0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Similar(zero): %v", err)
	}
	for _, m := range zero {
		if m.Distance != 2 {
			t.Errorf("zero query: %s at distance %g, want 2", m.Emotion, m.Distance)
		}
	}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2}, []float64{1, 2}, 0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 1},
		{"zero vector", []float64{0, 0}, []float64{0, 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cosineDistance(tt.a, tt.b); got < tt.want-1e-12 || got > tt.want+1e-12 {
				t.Errorf("cosineDistance = %g, want %g", got, tt.want)
			}
		})
	}
}

// failingStore fails every write.
type failingStore struct {
	*MemStore
	calls int
}

func (f *failingStore) Record(context.Context, Entry) error {
	f.calls++
	return errors.New("connection refused")
}

func TestRecorder_ShieldsCallerAndCounts(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := &failingStore{MemStore: NewMemStore(10)}
	br := resilience.New(resilience.Config{Name: "history", Threshold: 2, Cooldown: time.Hour})
	rec := NewRecorder(store, br, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 4 {
		rec.Record(ctx, entry(t, "sad", []float64{0.1, 0.1, 0.8}, time.Now()))
	}
	if store.calls != 2 {
		t.Errorf("store called %d times, want 2 before the breaker opened", store.calls)
	}
	if rec.BreakerState() != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open", rec.BreakerState())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "telepathy.history.writes" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("status")
				counts[v.AsString()] = dp.Value
			}
		}
	}
	if counts["error"] != 2 || counts["rejected"] != 2 {
		t.Errorf("history writes = %v, want error=2 rejected=2", counts)
	}
}

func TestRecorder_WritesThrough(t *testing.T) {
	store := NewMemStore(10)
	rec := NewRecorder(store, nil, nil)
	rec.Record(context.Background(), entry(t, "happy", []float64{0.2, 0.6, 0.2}, time.Now()))
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
	if rec.Store() != Store(store) {
		t.Error("Store() did not return the wrapped store")
	}
}
