package operators

import (
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
)

// Batch accumulation targets for the scan pipeline: a batch flushes at
// whichever limit is reached first.
const (
	scanBatchRows  = 256
	scanBatchBytes = 1 << 20
)

// scanPipeline applies the post-decode stages of a scan to each row, in
// order: predicate, row permission, computed fields, field permissions,
// start/limit. It is shared by the table and index scans.
type scanPipeline struct {
	perm      exec.PhysicalPermission
	predicate exec.PhysicalExpr
	fields    *exec.FieldState
	// remaining offset and cap; limit < 0 means unlimited.
	start int
	limit int
}

func newScanPipeline(perm exec.PhysicalPermission, predicate exec.PhysicalExpr, fields *exec.FieldState, start, limit int) *scanPipeline {
	if fields == nil {
		fields = &exec.FieldState{}
	}
	return &scanPipeline{perm: perm, predicate: predicate, fields: fields, start: start, limit: limit}
}

// needsProcessing reports whether any stage can change row count or
// content. When false, the scan may push start/limit down to the KV layer.
func (p *scanPipeline) needsProcessing() bool {
	return p.predicate != nil || !p.perm.IsAllow() || !p.fields.Empty()
}

// process runs the pipeline over one decoded batch. The returned slice
// holds the surviving rows; cont is false once the limit is exhausted.
func (p *scanPipeline) process(ec exec.EvalContext, rows []val.Value) ([]val.Value, bool, error) {
	if p.limit == 0 {
		return nil, false, nil
	}
	// Stage: pushed-down predicate. Batch evaluation parallelises
	// read-only predicates across rows.
	if p.predicate != nil && len(rows) > 0 {
		results, err := p.predicate.EvaluateBatch(ec, rows)
		if err != nil {
			return nil, false, err
		}
		kept := rows[:0:0]
		for i, r := range results {
			if val.Truthy(r) {
				kept = append(kept, rows[i])
			}
		}
		rows = kept
	}
	// Stage: row permission.
	if !p.perm.IsAllow() && len(rows) > 0 {
		kept := rows[:0:0]
		for _, row := range rows {
			if err := exec.CancelCheck(ec.Exec.Cancellation()); err != nil {
				return nil, false, err
			}
			ok, err := p.perm.Check(ec, row)
			if err != nil {
				return nil, false, err
			}
			if ok {
				kept = append(kept, row)
			}
		}
		rows = kept
	}
	// Stage: computed fields, then field permissions. Both are per-row
	// object rewrites; ignorable failures inside them already collapse to
	// None, anything else aborts the stream.
	if !p.fields.Empty() && len(rows) > 0 {
		for i, row := range rows {
			if err := exec.CancelCheck(ec.Exec.Cancellation()); err != nil {
				return nil, false, err
			}
			obj, ok := row.(val.Object)
			if !ok {
				continue
			}
			obj, err := p.fields.ApplyComputed(ec, obj)
			if err != nil {
				return nil, false, err
			}
			obj, err = p.fields.ApplyFieldPermissions(ec, obj)
			if err != nil {
				return nil, false, err
			}
			rows[i] = obj
		}
	}
	// Stage: start, then limit.
	if p.start > 0 {
		if p.start >= len(rows) {
			p.start -= len(rows)
			return nil, true, nil
		}
		rows = rows[p.start:]
		p.start = 0
	}
	cont := true
	if p.limit > 0 {
		if len(rows) >= p.limit {
			rows = rows[:p.limit]
			cont = false
		}
		p.limit -= len(rows)
	}
	return rows, cont, nil
}

// decodeRecord decodes one KV pair into a row object. The payload stores
// the full document including its id field.
func decodeRecord(pair kv.Pair) (val.Value, error) {
	v, err := val.DecodeRow(pair.Value)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(val.Object); !ok {
		return nil, fault.New(fault.KindStorage, "record payload is not an object")
	}
	return v, nil
}
