package canon

// MatchFilter implements the structural JSON filter from spec.md §4.5: for
// every leaf path of filter, the value at that path in data must satisfy
// the leaf's shape (object/array) or, for a scalar leaf, be strictly equal
// to it. A null leaf is a wildcard and always matches. This is the in-memory
// counterpart to the SQL json_tree/json_extract walk a relational backend
// performs; gormstore uses the SQL form, memstore uses this directly.
func MatchFilter(filter, data any) bool {
	switch f := filter.(type) {
	case nil:
		return true
	case map[string]any:
		d, ok := data.(map[string]any)
		if !ok {
			return false
		}
		for k, leaf := range f {
			if leaf == nil {
				continue
			}
			dv, present := d[k]
			if !present {
				return false
			}
			if !MatchFilter(leaf, dv) {
				return false
			}
		}
		return true
	case []any:
		_, ok := data.([]any)
		return ok
	default:
		return scalarEqual(f, data)
	}
}

// scalarEqual compares two JSON scalar values the way encoding/json decodes
// them (numbers as float64, everything else by Go equality).
func scalarEqual(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return a == b
}
