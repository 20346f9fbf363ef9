package model

// ReplaceString returns a copy of r in which every string value equal to old
// is replaced by new, at any depth, and the number of replacements made.
// Object keys are left untouched.
func ReplaceString(r Record, old, new string) (Record, int) {
	if r == nil {
		return nil, 0
	}
	n := 0
	out := replaceValue(map[string]any(r), old, new, &n).(map[string]any)
	return out, n
}

func replaceValue(v any, old, new string, n *int) any {
	switch val := v.(type) {
	case string:
		if val == old {
			*n++
			return new
		}
		return val
	case Record:
		return replaceValue(map[string]any(val), old, new, n)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = replaceValue(e, old, new, n)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = replaceValue(e, old, new, n)
		}
		return out
	default:
		return val
	}
}

// ContainsString reports whether any string value in r equals s.
func ContainsString(r Record, s string) bool {
	_, n := ReplaceString(r, s, s)
	return n > 0
}
