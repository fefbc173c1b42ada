package eval

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ToNumber coerces a cell value to a float64. Text coerces by its leading
// numeric prefix, so "3" is 3 and "4天" is 4. Blank coerces to zero, the
// way an empty cell behaves in arithmetic. Returns false when no numeric
// reading exists.
func ToNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		return numericPrefix(t)
	default:
		return 0, false
	}
}

func numericPrefix(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	end := 0
	sawDigit := false
	sawDot := false
	for i, r := range s {
		if i == 0 && (r == '-' || r == '+') {
			end = i + 1
			continue
		}
		if r == '.' && !sawDot {
			sawDot = true
			end = i + 1
			continue
		}
		if unicode.IsDigit(r) {
			sawDigit = true
			end = i + len(string(r))
			continue
		}
		break
	}
	if !sawDigit {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSuffix(s[:end], "."), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ToText renders a cell value for concatenation and comparison. Blank is
// the empty string; whole floats drop the trailing ".0".
func ToText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Truthy reports whether a value selects the true branch of IF. Blank,
// zero, the empty string and false are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		n, ok := ToNumber(v)
		if ok {
			return n != 0
		}
		return true
	}
}

// Aggregate applies a rollup aggregation to the looked-up values. Blank
// entries are skipped. Numeric sums round to 8 decimal places so decimal
// inputs stay stable across recomputation order.
func Aggregate(name string, values []any) (any, error) {
	switch strings.ToLower(name) {
	case "sum":
		var sum float64
		for _, v := range values {
			if v == nil {
				continue
			}
			n, ok := ToNumber(v)
			if !ok {
				return nil, evalErrf("sum over non-numeric value %v", v)
			}
			sum += n
		}
		return roundDecimal(sum), nil
	case "count":
		n := 0
		for _, v := range values {
			if v != nil {
				n++
			}
		}
		return float64(n), nil
	case "min", "max":
		var best float64
		found := false
		for _, v := range values {
			if v == nil {
				continue
			}
			n, ok := ToNumber(v)
			if !ok {
				return nil, evalErrf("%s over non-numeric value %v", name, v)
			}
			if !found || (name == "min" && n < best) || (name == "max" && n > best) {
				best = n
				found = true
			}
		}
		if !found {
			return nil, nil
		}
		return best, nil
	case "array", "array_compact":
		out := make([]any, 0, len(values))
		for _, v := range values {
			if v != nil {
				out = append(out, v)
			}
		}
		return out, nil
	default:
		return nil, evalErrf("unknown aggregation %q", name)
	}
}

func roundDecimal(f float64) float64 {
	return math.Round(f*1e8) / 1e8
}
