package contexts

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Applies reports whether the context's condition holds for one concrete
// resource instance and acting user. It is a pure function: no I/O, same
// answer for the same inputs. Any absent input or unresolvable field makes
// the context inapplicable rather than an error.
func Applies(pc PermissionContext, instance, actingUser map[string]any) bool {
	if instance == nil || actingUser == nil {
		return false
	}
	cond := pc.Condition
	if cond.Field == "" || cond.Operator == "" {
		return false
	}
	resourceValue, ok := instance[cond.Field]
	if !ok || resourceValue == nil {
		return false
	}
	comparison, ok := resolveComparisonValue(cond, actingUser)
	if !ok {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return normString(resourceValue) == normString(comparison)
	case OpContains:
		return collectionContains(resourceValue, comparison)
	case OpGreaterThan:
		cmp, ok := compareOrdinal(resourceValue, comparison)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compareOrdinal(resourceValue, comparison)
		return ok && cmp < 0
	default:
		return false
	}
}

func resolveComparisonValue(cond Condition, actingUser map[string]any) (any, bool) {
	if strings.HasPrefix(cond.ValueFrom, "user.") {
		field := strings.TrimPrefix(cond.ValueFrom, "user.")
		value, ok := actingUser[field]
		if !ok || value == nil {
			return nil, false
		}
		return value, true
	}
	if cond.Value == nil {
		return nil, false
	}
	return cond.Value, true
}

// normString renders a value as an NFC-normalized string so "equals" behaves
// identically for int64(7), float64(7) stored via JSON, and "7".
func normString(v any) string {
	switch value := v.(type) {
	case string:
		return norm.NFC.String(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	default:
		return norm.NFC.String(fmt.Sprint(v))
	}
}

// collectionContains requires the resource value to be a collection; a scalar
// on the resource side is never a match.
func collectionContains(resourceValue, comparison any) bool {
	want := normString(comparison)
	switch coll := resourceValue.(type) {
	case []any:
		for _, item := range coll {
			if normString(item) == want {
				return true
			}
		}
	case []string:
		for _, item := range coll {
			if norm.NFC.String(item) == want {
				return true
			}
		}
	case []int64:
		for _, item := range coll {
			if normString(item) == want {
				return true
			}
		}
	case []float64:
		for _, item := range coll {
			if normString(item) == want {
				return true
			}
		}
	}
	return false
}

// compareOrdinal compares numerically when both sides coerce to numbers and
// falls back to lexicographic comparison of their string forms.
func compareOrdinal(a, b any) (int, bool) {
	av, aok := toFloat(a)
	bv, bok := toFloat(b)
	if aok && bok {
		switch {
		case av > bv:
			return 1, true
		case av < bv:
			return -1, true
		default:
			return 0, true
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case float32:
		return float64(value), true
	case float64:
		return value, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
