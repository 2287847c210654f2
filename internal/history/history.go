// Package history keeps a log of served predictions so clients can list
// recent results and find past clips with a similar emotion distribution.
//
// Two [Store] implementations exist: [MemStore], a bounded in-process ring,
// and [PostgresStore], which persists entries with the distribution in a
// pgvector column. [Recorder] sits in front of either and makes sure a
// failing store never fails a prediction.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/telepathy/pkg/types"
)

// ErrDimension is returned by [Store.Similar] for an empty query vector.
var ErrDimension = errors.New("history: empty distribution")

// Entry is one recorded prediction.
type Entry struct {
	ID            string             `json:"id"`
	RunID         string             `json:"run_id"`
	Source        string             `json:"source"`
	Emotion       string             `json:"emotion"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"all_probabilities"`

	// Distribution holds the probabilities in the run's category order and
	// is what similarity search compares.
	Distribution []float32 `json:"distribution"`

	CreatedAt time.Time `json:"created_at"`
}

// Match is a similarity search hit. Distance is the cosine distance to the
// query, in [0, 2].
type Match struct {
	Entry
	Distance float64 `json:"distance"`
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	// Record appends e.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Similar returns up to limit entries whose distribution has the same
	// length as dist, ordered by ascending cosine distance.
	Similar(ctx context.Context, dist []float32, limit int) ([]Match, error)
}

// NewEntry builds an [Entry] from a prediction, ordering the distribution by
// categories.
func NewEntry(p types.Prediction, categories []string, source string) Entry {
	dist := make([]float32, len(categories))
	for i, c := range categories {
		dist[i] = float32(p.Probabilities[c])
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Entry{
		ID:            uuid.NewString(),
		RunID:         p.RunID,
		Source:        source,
		Emotion:       p.Emotion,
		Confidence:    p.Confidence,
		Probabilities: p.Probabilities,
		Distribution:  dist,
		CreatedAt:     ts.UTC(),
	}
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("history: limit must be positive, got %d", limit)
	}
	return nil
}
