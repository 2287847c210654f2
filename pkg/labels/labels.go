// Package labels maps emotion category names to the class indices of the
// classifier output layer.
//
// The mapping is fitted once per training run from the observed names,
// sorted lexicographically, and persisted. Inference always loads the
// persisted table and never re-derives it from data.
package labels

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MrWong99/telepathy/pkg/types"
)

// Codec is a frozen, ordered set of category names. The zero value is an
// empty codec. A Codec is immutable after construction and safe for
// concurrent use.
type Codec struct {
	categories []string
	index      map[string]int
}

// Fit returns a codec over the distinct names, sorted lexicographically.
func Fit(names []string) *Codec {
	cats := slices.Clone(names)
	slices.Sort(cats)
	return newCodec(slices.Compact(cats))
}

func newCodec(cats []string) *Codec {
	idx := make(map[string]int, len(cats))
	for i, c := range cats {
		idx[c] = i
	}
	return &Codec{categories: cats, index: idx}
}

// Len returns the number of categories.
func (c *Codec) Len() int { return len(c.categories) }

// Categories returns a copy of the category names in index order.
func (c *Codec) Categories() []string { return slices.Clone(c.categories) }

// Encode returns the index of name or an error wrapping
// [types.ErrUnknownLabel].
func (c *Codec) Encode(name string) (int, error) {
	i, ok := c.index[name]
	if !ok {
		return 0, fmt.Errorf("labels: %q: %w", name, types.ErrUnknownLabel)
	}
	return i, nil
}

// Decode returns the name at index i or an error wrapping
// [types.ErrUnknownLabel].
func (c *Codec) Decode(i int) (string, error) {
	if i < 0 || i >= len(c.categories) {
		return "", fmt.Errorf("labels: index %d out of range [0, %d): %w", i, len(c.categories), types.ErrUnknownLabel)
	}
	return c.categories[i], nil
}

// OneHot returns the one-hot target vector for index i.
func (c *Codec) OneHot(i int) []float64 {
	v := make([]float64, len(c.categories))
	if i >= 0 && i < len(v) {
		v[i] = 1
	}
	return v
}

type codecJSON struct {
	Categories []string `json:"categories"`
}

// MarshalJSON encodes the ordered category list.
func (c *Codec) MarshalJSON() ([]byte, error) {
	return json.Marshal(codecJSON{Categories: c.categories})
}

// UnmarshalJSON restores a codec. The persisted order is kept as-is and
// must be strictly increasing, as produced by [Fit].
func (c *Codec) UnmarshalJSON(data []byte) error {
	var raw codecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i := 1; i < len(raw.Categories); i++ {
		if raw.Categories[i-1] >= raw.Categories[i] {
			return fmt.Errorf("labels: categories not strictly sorted at %d (%q, %q)", i, raw.Categories[i-1], raw.Categories[i])
		}
	}
	*c = *newCodec(raw.Categories)
	return nil
}
