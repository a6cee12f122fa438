package operators

import (
	"container/heap"
	"context"
	"sort"
	"strconv"

	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/fnc"
)

// KnnTopK is the brute-force nearest-neighbour aggregate, inserted by the
// planner when no vector index can answer a `field <|k, metric|> vec`
// predicate. It is pipeline-breaking: the entire input is consumed into a
// bounded heap before the top-K emerge, ordered by ascending distance.
type KnnTopK struct {
	exec.OperatorBase
	Input exec.Operator
	// Field is the path to the vector on each record.
	Field val.Path
	// QueryVector is the probe.
	QueryVector []float64
	// K bounds the result.
	K int
	// Distance is the metric.
	Distance fnc.Distance
	// KnnCtx, when set, receives every emitted record's distance before the
	// batch is yielded, so downstream projection can read it back through
	// vector::distance::knn().
	KnnCtx *exec.KnnContext

	metrics exec.OperatorMetrics
}

func (*KnnTopK) Name() string { return "KnnTopK" }

func (k *KnnTopK) Attrs() [][2]string {
	return [][2]string{
		{"k", strconv.Itoa(k.K)},
		{"distance", k.Distance.String()},
		{"dimension", strconv.Itoa(len(k.QueryVector))},
	}
}

func (k *KnnTopK) RequiredContext() exec.ContextLevel { return k.Input.RequiredContext() }
func (k *KnnTopK) AccessMode() exec.AccessMode        { return k.Input.AccessMode() }
func (k *KnnTopK) CardinalityHint() exec.CardinalityHint {
	return exec.Bounded(k.K)
}
func (k *KnnTopK) Children() []exec.Operator      { return []exec.Operator{k.Input} }
func (k *KnnTopK) Metrics() *exec.OperatorMetrics { return &k.metrics }

// distanceEntry is one heap slot. The heap keeps the farthest entry on top
// so it is evicted first when a closer record arrives; ties break by
// insertion sequence for determinism.
type distanceEntry struct {
	distance float64
	value    val.Value
	seq      uint64
}

type distanceHeap []distanceEntry

func (h distanceHeap) Len() int { return len(h) }

// Less orders farthest-first: the root is the worst kept entry.
func (h distanceHeap) Less(i, j int) bool {
	if h[i].distance != h[j].distance {
		return h[i].distance > h[j].distance
	}
	return h[i].seq > h[j].seq
}

func (h distanceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *distanceHeap) Push(x any) { *h = append(*h, x.(distanceEntry)) }

func (h *distanceHeap) Pop() any {
	old := *h
	n := len(old)
	out := old[n-1]
	*h = old[:n-1]
	return out
}

func (k *KnnTopK) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	inner, err := k.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	input := exec.BufferStream(inner, k.Input.AccessMode(), k.Input.CardinalityHint())
	cancellation := ctx.Cancellation()
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		h := make(distanceHeap, 0, k.K+1)
		var seq uint64
		for {
			if err := exec.CancelCheck(cancellation); err != nil {
				return nil, err
			}
			batch, err := input.Next(gctx)
			if err != nil {
				return nil, err
			}
			if batch == nil {
				break
			}
			for _, row := range batch {
				vec, ok := fnc.ExtractVector(val.Pick(row, k.Field))
				if !ok {
					continue // no usable vector on this record
				}
				dist, err := k.Distance.Compute(vec, k.QueryVector)
				if err != nil {
					continue // dimension mismatch: skip, not an error
				}
				entry := distanceEntry{distance: dist, value: row, seq: seq}
				seq++
				if len(h) >= k.K {
					if worst := h[0]; entry.distance < worst.distance {
						heap.Push(&h, entry)
						heap.Pop(&h)
					}
				} else {
					heap.Push(&h, entry)
				}
			}
		}
		// Drain ascending by distance, insertion order on ties.
		entries := make([]distanceEntry, len(h))
		copy(entries, h)
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].distance != entries[j].distance {
				return entries[i].distance < entries[j].distance
			}
			return entries[i].seq < entries[j].seq
		})
		// Record distances before yielding so projection can read them.
		if k.KnnCtx != nil {
			for _, e := range entries {
				if obj, ok := e.value.(val.Object); ok {
					if rid, ok := obj.Get("id").(val.RecordId); ok {
						k.KnnCtx.Insert(rid, val.Float(e.distance))
					}
				}
			}
		}
		if len(entries) == 0 {
			return nil, nil
		}
		out := make(exec.ValueBatch, len(entries))
		for i, e := range entries {
			out[i] = e.value
		}
		return out, nil
	})
	return exec.MonitorStream(stream, &k.metrics), nil
}
