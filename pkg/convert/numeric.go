// Package convert provides value conversion and comparison utilities for
// NornicRules.
//
// Property values reach the rule engine from several sources: Go callers
// (int, int64, float64), JSON exports and Badger-persisted nodes (float64),
// and YAML rule files (int, float64, string). This package normalizes them so
// predicates and change detection compare values by meaning, not by Go type.
//
// Key Functions:
//   - ToFloat64: Convert various types to float64
//   - ToInt64: Convert various types to int64
//   - ToAnySlice: Convert typed slices to []any
//   - Equal: Compare two property values with numeric normalization
//   - Compare: Order two property values
//
// Only Go numeric types are numbers. A string property such as "30" is text:
// it never compares equal to 30, never orders against it and never counts
// towards a sum. Conversions report failure with a false second result.
//
// Example:
//
//	// 18 (int, from YAML) and 18.0 (float64, from a JSON export) are equal
//	if convert.Equal(node.Properties["age"], 18) {
//		// ...
//	}
//
//	// Ordering for >, >=, <, <=
//	if c, ok := convert.Compare(node.Properties["age"], 18); ok && c >= 0 {
//		// adult
//	}
//
package convert

// ToFloat64 returns v as a float64 if v is a Go numeric type.
//
//	ToFloat64(int16(42))  // (42, true)
//	ToFloat64(3.5)        // (3.5, true)
//	ToFloat64("3.5")      // (0, false)
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

// ToInt64 returns v as an int64 if v is a Go numeric type. Floats are
// truncated toward zero; uint64 values above math.MaxInt64 wrap.
//
// Aggregation counters are stored as int64 but come back as float64 after a
// JSON round trip through Badger, so both read back through here.
func ToInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	}
	return 0, false
}
