package script

import (
	"reflect"
	"sort"
	"strings"

	"github.com/risor-io/risor/object"
)

// deterministicBuiltins are the Risor builtins conditions and templates may
// call. None of them read clocks, randomness or the environment, so a
// replayed instance evaluates every edge the same way.
var deterministicBuiltins = []string{
	"all", "any", "bool", "coalesce", "float", "fmt", "int", "json", "keys",
	"len", "list", "map", "math", "regexp", "reversed", "set", "sorted",
	"sprintf", "string", "strings", "type",
}

// toGo converts a Risor object into the plain values a payload holds.
// Sets become lists ordered by their printed form.
func toGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.NilType:
		return nil
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.List:
		out := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			out = append(out, toGo(item))
		}
		return out
	case *object.Set:
		items := make([]object.Object, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Inspect() < items[j].Inspect() })
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toGo(item)
		}
		return out
	case *object.Map:
		out := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			out[key] = toGo(value)
		}
		return out
	default:
		return obj.Inspect()
	}
}

// Truthy reports whether a condition result or vote counts as true. Zero
// numbers, empty strings and collections, nil and the string "false" (in
// any case) are false. Risor objects are judged by the value they hold.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case object.Object:
		switch v.(type) {
		case *object.NilType, *object.Bool, *object.Int, *object.Float,
			*object.String, *object.List, *object.Map:
			return Truthy(toGo(v))
		}
		return v.IsTruthy()
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
