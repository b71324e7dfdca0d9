package condition

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// CountSource returns the number of items source yields in scope.
//
// For child sources this is the size of the category snapshot. For reference
// sources, lists and maps count their elements, a missing or nil value counts
// zero and any other non-empty value counts as one item.
func CountSource(source Source, scope Scope) int {
	if source.Kind == SourceChildren {
		return scope.ChildCount(source.Category)
	}
	v, ok := scope.Lookup(source.Ref)
	if !ok {
		return 0
	}
	return len(Items(v))
}

// Items flattens a run value into the list of items it represents.
func Items(v any) []any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Len() == 0 {
			return nil
		}
		return []any{v}
	case reflect.String:
		if rv.Len() == 0 {
			return nil
		}
	}
	return []any{v}
}

// truthy reports whether a run value counts as set.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
		return t != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// looseEqual compares a run value against a literal. Numbers compare
// numerically and strings holding numbers or booleans are coerced, since input
// values arrive as text from the command line but literals are typed.
func looseEqual(v, lit any) bool {
	switch l := lit.(type) {
	case bool:
		switch t := v.(type) {
		case bool:
			return t == l
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			return err == nil && b == l
		}
		return false
	case string:
		if s, ok := v.(string); ok {
			return s == l
		}
		return fmt.Sprint(v) == l
	}
	lf, lok := toFloat(lit)
	vf, vok := toFloat(v)
	if lok && vok {
		return lf == vf
	}
	return reflect.DeepEqual(v, lit)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
