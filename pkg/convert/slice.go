package convert

// ToAnySlice converts list-valued properties to []any.
// Returns (slice, true) on success, (nil, false) if v is not a supported list.
//
// Supported types:
//   - []any (returned as-is)
//   - []string, []int, []int64, []float64, []bool (elements boxed)
//
// Example:
//
//	s, ok := ToAnySlice([]string{"admin", "ops"}) // Returns ([]any{"admin", "ops"}, true)
//	s, ok := ToAnySlice("admin")                  // Returns (nil, false)
func ToAnySlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		return boxSlice(val), true
	case []int:
		return boxSlice(val), true
	case []int64:
		return boxSlice(val), true
	case []float64:
		return boxSlice(val), true
	case []bool:
		return boxSlice(val), true
	}
	return nil, false
}

func boxSlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, item := range in {
		out[i] = item
	}
	return out
}

// ToStringSlice converts various slice types to []string.
// Returns slice on success, nil on failure.
//
// Supported types:
//   - []string (returned as-is)
//   - []any (every element must be a string)
//
// Example:
//
//	s := ToStringSlice([]any{"a", "b", "c"}) // Returns ["a", "b", "c"]
//	s := ToStringSlice([]any{1, 2, 3})       // Returns nil
func ToStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, len(val))
		for i, item := range val {
			if s, ok := item.(string); ok {
				result[i] = s
			} else {
				return nil
			}
		}
		return result
	}
	return nil
}
