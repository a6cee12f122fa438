package val

// Path is a data-level path into a value: the subset of idiom parts that can
// be resolved without an execution context (fields, indexes, all, last).
// Parts that drive operators (where, graph lookups, method calls) live in
// core/expr and are resolved by the execution layer.
type Path []PathPart

// PathPart is one step of a Path.
type PathPart interface {
	isPathPart()
}

// FieldPart selects a named field of an object.
type FieldPart struct {
	Name string
}

// IndexPart selects an element of an array by position.
type IndexPart struct {
	Index int
}

// AllPart maps the remaining path over every element of an array.
type AllPart struct{}

// LastPart selects the final element of an array.
type LastPart struct{}

func (FieldPart) isPathPart() {}
func (IndexPart) isPathPart() {}
func (AllPart) isPathPart()   {}
func (LastPart) isPathPart()  {}

// FieldPath builds a path of plain field names.
func FieldPath(names ...string) Path {
	p := make(Path, len(names))
	for i, n := range names {
		p[i] = FieldPart{Name: n}
	}
	return p
}

// Pick resolves path against v. Missing fields, out-of-range indexes, and
// type mismatches yield None rather than erroring: optional traversal is the
// language's default.
func Pick(v Value, path Path) Value {
	for i, part := range path {
		switch p := part.(type) {
		case FieldPart:
			obj, ok := v.(Object)
			if !ok {
				return None{}
			}
			v = obj.Get(p.Name)
		case IndexPart:
			arr, ok := v.(Array)
			if !ok || p.Index < 0 || p.Index >= len(arr) {
				return None{}
			}
			v = arr[p.Index]
		case LastPart:
			arr, ok := v.(Array)
			if !ok || len(arr) == 0 {
				return None{}
			}
			v = arr[len(arr)-1]
		case AllPart:
			arr, ok := v.(Array)
			if !ok {
				return None{}
			}
			rest := path[i+1:]
			out := make(Array, 0, len(arr))
			for _, e := range arr {
				out = append(out, Pick(e, rest))
			}
			return out
		}
	}
	return v
}

// Put assigns newValue at path inside v, building intermediate objects as
// needed, and returns the updated value. Only field parts are assignable.
func Put(v Value, path Path, newValue Value) Value {
	if len(path) == 0 {
		return newValue
	}
	field, ok := path[0].(FieldPart)
	if !ok {
		return v
	}
	obj, ok := v.(Object)
	if !ok {
		obj = Object{}
	} else {
		obj = obj.Copy()
	}
	obj[field.Name] = Put(obj.Get(field.Name), path[1:], newValue)
	return obj
}
