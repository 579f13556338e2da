package server

import (
	"context"
	"fmt"
	"math"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Func adapts an ordinary function to a Handler:
//
//	server.Func(func(a, b int) int { return a + b })
//	server.Func(func(ctx context.Context, name string) (string, error) { ... })
//
// The function may take a leading context.Context and may be variadic. It
// may return nothing, a value, an error, or a value and an error. Decoded
// arguments are converted to the parameter types; a wrong argument count or
// an unconvertible argument fails the call without invoking fn.
//
// Func panics if fn is not a function of that shape.
func Func(fn any) Handler {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		panic(fmt.Sprintf("server: Func needs a function, got %s", ft))
	}
	switch {
	case ft.NumOut() > 2,
		ft.NumOut() == 2 && ft.Out(1) != errorType:
		panic(fmt.Sprintf("server: %s must return at most a value and an error", ft))
	}

	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	first := 0
	if withCtx {
		first = 1
	}

	return func(ctx context.Context, params []any) (any, error) {
		in, err := buildArgs(ft, first, params)
		if err != nil {
			return nil, err
		}
		if withCtx {
			in[0] = reflect.ValueOf(ctx)
		}
		return unpackResults(fv.Call(in))
	}
}

// buildArgs converts params to the positional parameters of ft starting at
// index first. Slot 0 is left empty when first is 1.
func buildArgs(ft reflect.Type, first int, params []any) ([]reflect.Value, error) {
	fixed := ft.NumIn() - first
	if ft.IsVariadic() {
		fixed--
		if len(params) < fixed {
			return nil, fmt.Errorf("takes at least %d arguments (%d given)", fixed, len(params))
		}
	} else if len(params) != fixed {
		return nil, fmt.Errorf("takes %d arguments (%d given)", fixed, len(params))
	}

	in := make([]reflect.Value, first+len(params))
	for i, p := range params {
		var t reflect.Type
		if i < fixed {
			t = ft.In(first + i)
		} else {
			t = ft.In(ft.NumIn() - 1).Elem()
		}
		v, err := convert(p, t)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		in[first+i] = v
	}
	return in, nil
}

func unpackResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		if err := asError(out[1]); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// convert turns a decoded msgpack value into a value of type t.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", t)
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := toInt(rv)
		if ok && !reflect.Zero(t).OverflowInt(n) {
			return reflect.ValueOf(n).Convert(t), nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := toUint(rv)
		if ok && !reflect.Zero(t).OverflowUint(n) {
			return reflect.ValueOf(n).Convert(t), nil
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := toFloat(rv); ok {
			return reflect.ValueOf(f).Convert(t), nil
		}
	case reflect.String:
		if b, ok := v.([]byte); ok {
			return reflect.ValueOf(string(b)).Convert(t), nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			if s, ok := v.(string); ok {
				return reflect.ValueOf([]byte(s)).Convert(t), nil
			}
		}
		if items, ok := v.([]any); ok {
			out := reflect.MakeSlice(t, len(items), len(items))
			for i, item := range items {
				ev, err := convert(item, t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
				}
				out.Index(i).Set(ev)
			}
			return out, nil
		}
	case reflect.Map:
		if rv.Kind() == reflect.Map {
			out := reflect.MakeMapWithSize(t, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				k, err := convert(iter.Key().Interface(), t.Key())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
				}
				e, err := convert(iter.Value().Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("value of %v: %w", iter.Key(), err)
				}
				out.SetMapIndex(k, e)
			}
			return out, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

func toInt(rv reflect.Value) (int64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		return int64(u), u <= math.MaxInt64
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return int64(f), f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
	}
	return 0, false
}

func toUint(rv reflect.Value) (uint64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		return uint64(n), n >= 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return uint64(f), f == math.Trunc(f) && f >= 0 && f < math.MaxUint64
	}
	return 0, false
}

func toFloat(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
