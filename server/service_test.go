package server

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestFuncConvertsArguments(t *testing.T) {
	tests := []struct {
		name   string
		fn     any
		params []any
		want   any
	}{
		{"ints", func(a, b int) int { return a + b }, []any{int64(1), int64(2)}, 3},
		{"narrow int", func(a int8) int8 { return a }, []any{int64(-5)}, int8(-5)},
		{"uint from int", func(a uint32) uint32 { return a }, []any{int64(7)}, uint32(7)},
		{"integral float to int", func(a int) int { return a }, []any{float64(4)}, 4},
		{"int to float", func(a float64) float64 { return a / 2 }, []any{int64(3)}, 1.5},
		{"bytes to string", func(s string) string { return s }, []any{[]byte("raw")}, "raw"},
		{"string to bytes", func(b []byte) int { return len(b) }, []any{"abc"}, 3},
		{"slice", func(xs []int) int { return len(xs) }, []any{[]any{int64(1), int64(2)}}, 2},
		{"map", func(m map[string]int) int { return m["a"] }, []any{map[any]any{"a": int64(9)}}, 9},
		{"nil slice", func(xs []int) bool { return xs == nil }, []any{nil}, true},
		{"any", func(v any) any { return v }, []any{"x"}, "x"},
		{"variadic", func(prefix string, xs ...int) string {
			return prefix + strings.Repeat("+", len(xs))
		}, []any{"n", int64(1), int64(2)}, "n++"},
		{"variadic empty", func(xs ...int) int { return len(xs) }, nil, 0},
		{"no result", func() {}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Func(tt.fn)(context.Background(), tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFuncPassesContext(t *testing.T) {
	h := Func(func(ctx context.Context, suffix string) string {
		return ctx.Value(ctxKey{}).(string) + suffix
	})
	ctx := context.WithValue(context.Background(), ctxKey{}, "value")
	got, err := h(ctx, []any{"!"})
	require.NoError(t, err)
	assert.Equal(t, "value!", got)
}

func TestFuncErrors(t *testing.T) {
	h := Func(func(fail bool) (string, error) {
		if fail {
			return "", errors.New("error msg")
		}
		return "ok", nil
	})
	got, err := h(context.Background(), []any{false})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = h(context.Background(), []any{true})
	assert.EqualError(t, err, "error msg")

	onlyErr := Func(func() error { return errors.New("only") })
	_, err = onlyErr(context.Background(), nil)
	assert.EqualError(t, err, "only")

	nilErr := Func(func() error { return nil })
	got, err = nilErr(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestFuncRejectsBadArguments(t *testing.T) {
	called := false
	h := Func(func(a int8, s string) { called = true })

	tests := []struct {
		name   string
		params []any
		msg    string
	}{
		{"too few", []any{int64(1)}, "takes 2 arguments (1 given)"},
		{"too many", []any{int64(1), "a", "b"}, "takes 2 arguments (3 given)"},
		{"overflow", []any{int64(300), "a"}, "argument 1: cannot use int64 as int8"},
		{"fraction", []any{1.5, "a"}, "argument 1: cannot use float64 as int8"},
		{"wrong type", []any{int64(1), int64(2)}, "argument 2: cannot use int64 as string"},
		{"nil scalar", []any{nil, "a"}, "argument 1: cannot use nil as int8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h(context.Background(), tt.params)
			assert.EqualError(t, err, tt.msg)
		})
	}
	assert.False(t, called)

	variadic := Func(func(a string, xs ...int) {})
	_, err := variadic(context.Background(), nil)
	assert.EqualError(t, err, "takes at least 1 arguments (0 given)")
}

func TestFuncPanicsOnBadShape(t *testing.T) {
	assert.Panics(t, func() { Func(42) })
	assert.Panics(t, func() { Func(func() (int, int) { return 0, 0 }) })
	assert.Panics(t, func() { Func(func() (int, error, error) { return 0, nil, nil }) })
}
