package exec

import (
	"context"
	"time"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
)

// FuncStream adapts a pull function to a BatchStream.
type FuncStream func(ctx context.Context) (ValueBatch, error)

func (f FuncStream) Next(ctx context.Context) (ValueBatch, error) {
	return f(ctx)
}

// OnceStream yields a single batch, then ends. An empty batch yields an
// empty stream.
func OnceStream(batch ValueBatch) BatchStream {
	done := false
	return FuncStream(func(ctx context.Context) (ValueBatch, error) {
		if done || len(batch) == 0 {
			return nil, nil
		}
		done = true
		return batch, nil
	})
}

// ErrStream yields a single terminal error.
func ErrStream(err error) BatchStream {
	return FuncStream(func(ctx context.Context) (ValueBatch, error) {
		return nil, err
	})
}

// MonitorStream wraps a stream, counting rows, batches, and wall time into
// metrics. The executor wraps every operator stream in one of these.
func MonitorStream(inner BatchStream, metrics *OperatorMetrics) BatchStream {
	if metrics == nil {
		return inner
	}
	return FuncStream(func(ctx context.Context) (ValueBatch, error) {
		start := time.Now()
		batch, err := inner.Next(ctx)
		if len(batch) > 0 {
			metrics.Observe(len(batch), time.Since(start))
		}
		return batch, err
	})
}

// bufferLookahead is the small number of batches BufferStream reads ahead.
const bufferLookahead = 2

// BufferStream adds bounded look-ahead when the producing operator is
// read-only and its cardinality is bounded; otherwise the stream is returned
// unchanged. Mutating streams must stay strictly pull-driven to preserve
// effect ordering.
func BufferStream(inner BatchStream, mode AccessMode, hint CardinalityHint) BatchStream {
	if mode != ReadOnly {
		return inner
	}
	if _, bounded := hint.Bound(); !bounded {
		return inner
	}
	var buffered []ValueBatch
	var pending error
	drained := false
	return FuncStream(func(ctx context.Context) (ValueBatch, error) {
		for !drained && len(buffered) < bufferLookahead && pending == nil {
			batch, err := inner.Next(ctx)
			if err != nil {
				pending = err
				break
			}
			if batch == nil {
				drained = true
				break
			}
			buffered = append(buffered, batch)
		}
		if len(buffered) > 0 {
			head := buffered[0]
			buffered = buffered[1:]
			return head, nil
		}
		if pending != nil {
			err := pending
			pending = nil
			drained = true
			return nil, err
		}
		return nil, nil
	})
}

// CancelCheck returns ErrQueryCancelled when the token has tripped. Every
// operator calls this at each batch boundary; the scan pipeline calls it per
// row.
func CancelCheck(c *Cancellation) error {
	if c != nil && c.IsCancelled() {
		return fault.ErrQueryCancelled
	}
	return nil
}

// CollectAll drains a stream into one slice of values.
func CollectAll(ctx context.Context, stream BatchStream) ([]val.Value, error) {
	var out []val.Value
	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return out, nil
		}
		out = append(out, batch...)
	}
}

// CollectSingle drains a stream and returns its single value, or None for
// an empty stream. Used for scalar operators and deferred plan evaluation.
func CollectSingle(ctx context.Context, stream BatchStream) (val.Value, error) {
	values, err := CollectAll(ctx, stream)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return val.None{}, nil
	}
	return values[0], nil
}
