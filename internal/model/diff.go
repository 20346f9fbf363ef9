package model

import (
	"bytes"
	"reflect"
	"slices"
)

// ValuesEqual compares two JSON values by canonical form, so 1 and 1.0 or
// differently ordered objects compare equal.
func ValuesEqual(a, b any) bool {
	ca, errA := MarshalCanonical(a)
	cb, errB := MarshalCanonical(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ca, cb)
}

// ChangedFields lists the top-level fields whose value differs between base
// and next, in canonical key order. A field present on one side only counts
// as changed. Nested objects and arrays are compared as whole values.
func ChangedFields(base, next Record) []string {
	var changed []string
	for k, v := range next {
		old, ok := base[k]
		if !ok || !ValuesEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	slices.SortFunc(changed, compareKeys)
	return changed
}

// ApplyFields returns a copy of target with every listed field taken from
// source. A field absent from source is removed from the result.
func ApplyFields(target, source Record, fields []string) Record {
	out := target.Clone()
	if out == nil {
		out = Record{}
	}
	for _, f := range fields {
		if v, ok := source[f]; ok {
			out[f] = cloneValue(v)
		} else {
			delete(out, f)
		}
	}
	return out
}
