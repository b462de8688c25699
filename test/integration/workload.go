// Package integration exercises the store end to end: engine over a real
// container database, restarts, concurrent writers and the HTTP surface.
package integration

import (
	"fmt"
	"math/rand"
)

// Workload produces deterministic fixture objects so soak runs can be
// replayed and verified byte for byte.
type Workload struct {
	prefix string
	seed   int64
}

// NewWorkload creates a workload whose keys carry prefix and whose
// values derive from seed.
func NewWorkload(prefix string, seed int64) *Workload {
	return &Workload{prefix: prefix, seed: seed}
}

// Key returns the i-th key of the workload. Keys sort in sequence
// order.
func (w *Workload) Key(i int) string {
	return fmt.Sprintf("%s-%06d", w.prefix, i)
}

// Value returns the i-th value. The same (seed, i) always yields the
// same bytes.
func (w *Workload) Value(i int) []byte {
	rng := rand.New(rand.NewSource(w.seed + int64(i)))
	value := make([]byte, 16+rng.Intn(48))
	for j := range value {
		value[j] = byte('a' + rng.Intn(26))
	}
	return value
}

// Batch returns n sequential pairs starting at start.
func (w *Workload) Batch(start, n int) map[string][]byte {
	batch := make(map[string][]byte, n)
	for i := start; i < start+n; i++ {
		batch[w.Key(i)] = w.Value(i)
	}
	return batch
}
