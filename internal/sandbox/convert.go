package sandbox

import (
	"fmt"
	"reflect"

	"go.starlark.net/starlark"
)

// toStarlark converts a plain Go data value into its guest equivalent.
// Only data converts: functions, channels, and other live host values
// are errors, which the environment builder treats as "drop silently".
func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int8:
		return starlark.MakeInt64(int64(val)), nil
	case int16:
		return starlark.MakeInt64(int64(val)), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint64(uint64(val)), nil
	case uint8:
		return starlark.MakeUint64(uint64(val)), nil
	case uint16:
		return starlark.MakeUint64(uint64(val)), nil
	case uint32:
		return starlark.MakeUint64(uint64(val)), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case []byte:
		return starlark.Bytes(val), nil
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for key, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case starlark.Value:
		return val, nil
	}

	// Struct-free reflection fallback for typed slices and string-keyed
	// maps such as []string or map[string]int.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elems := make([]starlark.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			sv, err := toStarlark(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key type %s is not convertible", rv.Type().Key())
		}
		dict := starlark.NewDict(rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			sv, err := toStarlark(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(iter.Key().String()), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("value of type %T is not convertible", v)
}

// fromStarlark converts a guest value back into plain Go data. Values
// with no data representation, such as functions, builtins, and module
// objects, report ok=false. Exotic values nested inside aggregates fall
// back to their display form rather than dropping list positions.
func fromStarlark(v starlark.Value) (any, bool) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, true
	case starlark.Bool:
		return bool(val), true
	case starlark.String:
		return string(val), true
	case starlark.Bytes:
		return []byte(val), true
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, true
		}
		return val.String(), true
	case starlark.Float:
		return float64(val), true
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			out = append(out, elementValue(val.Index(i)))
		}
		return out, true
	case starlark.Tuple:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, elementValue(item))
		}
		return out, true
	case *starlark.Set:
		out := make([]any, 0, val.Len())
		iter := val.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			out = append(out, elementValue(item))
		}
		return out, true
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, pair := range val.Items() {
			key, ok := pair[0].(starlark.String)
			if !ok {
				out[pair[0].String()] = elementValue(pair[1])
				continue
			}
			out[string(key)] = elementValue(pair[1])
		}
		return out, true
	}
	return nil, false
}

func elementValue(v starlark.Value) any {
	if gv, ok := fromStarlark(v); ok {
		return gv
	}
	return v.String()
}
