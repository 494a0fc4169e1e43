package convert

import (
	"reflect"
	"strings"
)

// isNumber reports whether v is a Go numeric type. Numeric strings are not
// numbers here: "18" and 18 are different property values.
func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// Equal reports whether two property values are equal.
//
// Numbers compare by value regardless of their Go type, so int(18),
// int64(18) and float64(18) are all equal. Lists compare element-wise with
// the same rule. Everything else falls back to reflect.DeepEqual.
//
// Example:
//
//	Equal(18, 18.0)                          // true
//	Equal([]any{1, "a"}, []any{1.0, "a"})    // true
//	Equal("18", 18)                          // false
//	Equal(nil, nil)                          // true
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) && isNumber(b) {
		fa, _ := ToFloat64(a)
		fb, _ := ToFloat64(b)
		return fa == fb
	}
	if la, ok := ToAnySlice(a); ok {
		lb, ok := ToAnySlice(b)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !Equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two property values. It returns -1, 0 or +1 and true when
// both are numbers or both are strings; otherwise (0, false).
//
// Example:
//
//	Compare(17, 18.0)      // (-1, true)
//	Compare("b", "a")      // (1, true)
//	Compare("17", 18)      // (0, false)
func Compare(a, b any) (int, bool) {
	if isNumber(a) && isNumber(b) {
		fa, _ := ToFloat64(a)
		fb, _ := ToFloat64(b)
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// Contains reports whether list holds an element Equal to item. A string list
// value also matches substrings.
func Contains(list, item any) bool {
	if s, ok := list.(string); ok {
		sub, ok := item.(string)
		return ok && strings.Contains(s, sub)
	}
	items, ok := ToAnySlice(list)
	if !ok {
		return false
	}
	for _, el := range items {
		if Equal(el, item) {
			return true
		}
	}
	return false
}
