package exec

import (
	"sync"

	"github.com/opal-lang/vela/core/val"
)

// KnnContext shares computed KNN distances between the KnnTopK aggregate and
// downstream projection: the aggregate writes every emitted record's
// distance before yielding, and vector::distance::knn() reads it during
// projection. Writes strictly precede reads, so the lock sees no contention;
// readers accept the missing case for rows that never reached the top-K.
type KnnContext struct {
	mu        sync.RWMutex
	distances map[string]val.Number
}

// NewKnnContext creates an empty distance context.
func NewKnnContext() *KnnContext {
	return &KnnContext{distances: map[string]val.Number{}}
}

func knnKey(rid val.RecordId) string {
	return rid.Table + "\x00" + string(val.KeyOrderBytes(rid.Key))
}

// Insert records the distance for one record id.
func (k *KnnContext) Insert(rid val.RecordId, distance val.Number) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.distances[knnKey(rid)] = distance
}

// Get returns the recorded distance, or false when the record never reached
// the top-K.
func (k *KnnContext) Get(rid val.RecordId) (val.Number, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	d, ok := k.distances[knnKey(rid)]
	return d, ok
}
