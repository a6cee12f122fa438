package fnc

import (
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
)

// Func is a built-in scalar function. Implementations receive evaluated
// arguments and the per-query services they need through Services.
type Func func(s *Services, args []val.Value) (val.Value, error)

// Services carries per-query state functions may consult.
type Services struct {
	// Knn is the shared distance context, present when the plan contains a
	// KnnTopK operator.
	Knn interface {
		Get(rid val.RecordId) (val.Number, bool)
	}
}

// Registry maps function names to implementations and enforces the
// deployment's capability allow/deny lists. Lists are swappable at runtime
// so configuration reload takes effect without a restart.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
	allow []string
	deny  []string
}

// NewRegistry creates a registry with the built-in functions installed and
// no capability restrictions.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.install()
	return r
}

// SetCapabilities atomically replaces the allow and deny lists. An empty
// allow list permits everything not denied. Deny wins over allow.
func (r *Registry) SetCapabilities(allow, deny []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allow = append([]string{}, allow...)
	r.deny = append([]string{}, deny...)
}

// CheckAllowedFunction reports whether the named function may run under the
// current capability lists. Unknown names get a fuzzy "did you mean"
// suggestion.
func (r *Registry) CheckAllowedFunction(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.funcs[name]; !ok {
		if suggestion := r.closest(name); suggestion != "" {
			return fault.New(fault.KindNotFound,
				"the function '%s' does not exist, did you mean '%s'?", name, suggestion)
		}
		return fault.New(fault.KindNotFound, "the function '%s' does not exist", name)
	}
	for _, d := range r.deny {
		if matchCapability(d, name) {
			return fault.New(fault.KindPermission, "function '%s' is not allowed to be executed", name)
		}
	}
	if len(r.allow) == 0 {
		return nil
	}
	for _, a := range r.allow {
		if matchCapability(a, name) {
			return nil
		}
	}
	return fault.New(fault.KindPermission, "function '%s' is not allowed to be executed", name)
}

// Call runs a function after checking the capability lists.
func (r *Registry) Call(s *Services, name string, args []val.Value) (val.Value, error) {
	if err := r.CheckAllowedFunction(name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	fn := r.funcs[name]
	r.mu.RUnlock()
	return fn(s, args)
}

// matchCapability matches a capability entry against a function name. An
// entry either names a function exactly or a namespace prefix like
// "vector::".
func matchCapability(entry, name string) bool {
	if strings.HasSuffix(entry, "::") {
		return strings.HasPrefix(name, entry)
	}
	return entry == name
}

func (r *Registry) closest(name string) string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	matches := fuzzy.RankFindNormalizedFold(name, names)
	if len(matches) == 0 {
		// No name contains the input as a subsequence: fall back to the
		// nearest name within an edit distance of two, so transposed or
		// mistyped letters still get a suggestion.
		best, bestDist := "", 3
		for _, n := range names {
			if d := fuzzy.LevenshteinDistance(strings.ToLower(name), strings.ToLower(n)); d < bestDist {
				best, bestDist = n, d
			}
		}
		return best
	}
	sort.Sort(matches)
	return matches[0].Target
}

func (r *Registry) install() {
	r.funcs["count"] = func(_ *Services, args []val.Value) (val.Value, error) {
		if len(args) == 0 {
			return val.Int(1), nil
		}
		if arr, ok := args[0].(val.Array); ok {
			return val.Int(len(arr)), nil
		}
		if val.Truthy(args[0]) {
			return val.Int(1), nil
		}
		return val.Int(0), nil
	}
	r.funcs["vector::distance::euclidean"] = distanceFunc(Euclidean)
	r.funcs["vector::distance::manhattan"] = distanceFunc(Manhattan)
	r.funcs["vector::distance::cosine"] = distanceFunc(Cosine)
	r.funcs["vector::distance::hamming"] = distanceFunc(Hamming)
	r.funcs["vector::distance::chebyshev"] = distanceFunc(Chebyshev)
	r.funcs["vector::distance::minkowski"] = func(_ *Services, args []val.Value) (val.Value, error) {
		if len(args) != 3 {
			return nil, fault.New(fault.KindConversion, "vector::distance::minkowski expects 3 arguments")
		}
		a, aok := ExtractVector(args[0])
		b, bok := ExtractVector(args[1])
		p, pok := args[2].(val.Number)
		if !aok || !bok || !pok {
			return nil, fault.New(fault.KindConversion, "vector::distance::minkowski expects two vectors and an order")
		}
		d, err := Minkowski.ComputeP(a, b, val.AsFloat64(p))
		if err != nil {
			return nil, err
		}
		return val.Float(d), nil
	}
	// vector::distance::knn() reads the distance the KnnTopK aggregate
	// recorded for the current record, avoiding recomputation during
	// projection.
	r.funcs["vector::distance::knn"] = func(s *Services, args []val.Value) (val.Value, error) {
		if s == nil || s.Knn == nil || len(args) == 0 {
			return val.None{}, nil
		}
		rid, ok := args[0].(val.RecordId)
		if !ok {
			if obj, isObj := args[0].(val.Object); isObj {
				rid, ok = obj.Get("id").(val.RecordId)
			}
		}
		if !ok {
			return val.None{}, nil
		}
		if d, found := s.Knn.Get(rid); found {
			return d, nil
		}
		return val.None{}, nil
	}
}

func distanceFunc(d Distance) Func {
	return func(_ *Services, args []val.Value) (val.Value, error) {
		if len(args) != 2 {
			return nil, fault.New(fault.KindConversion, "distance functions expect 2 arguments")
		}
		a, aok := ExtractVector(args[0])
		b, bok := ExtractVector(args[1])
		if !aok || !bok {
			return nil, fault.New(fault.KindConversion, "distance functions expect two numeric vectors")
		}
		dist, err := d.Compute(a, b)
		if err != nil {
			return nil, err
		}
		return val.Float(dist), nil
	}
}
