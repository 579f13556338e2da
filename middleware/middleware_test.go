package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/studio-ousia/mprpc/message"
)

func echoHandler(_ context.Context, req *message.Request) (any, error) {
	return req.Params[0], nil
}

func slowHandler(ctx context.Context, req *message.Request) (any, error) {
	time.Sleep(200 * time.Millisecond)
	return "late", nil
}

func failingHandler(_ context.Context, _ *message.Request) (any, error) {
	return nil, errors.New("error msg")
}

func newRequest() *message.Request {
	return &message.Request{ID: 1, Method: "echo", Params: []any{"message"}}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	result, err := Logging(logger)(echoHandler)(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, "message", result)

	_, err = Logging(logger)(failingHandler)(context.Background(), newRequest())
	require.EqualError(t, err, "error msg")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "echo", entries[0].ContextMap()["method"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "error msg", entries[1].ContextMap()["error"])
}

func TestLoggingNilLogger(t *testing.T) {
	result, err := Logging(nil)(echoHandler)(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, "message", result)
}

func TestTimeoutPass(t *testing.T) {
	result, err := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, "message", result)
}

func TestTimeoutExceeded(t *testing.T) {
	start := time.Now()
	_, err := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), newRequest())
	assert.ErrorIs(t, err, ErrHandlerTimeout)
	assert.EqualError(t, err, "request timed out")
	assert.Less(t, time.Since(start), 190*time.Millisecond)
}

func TestTimeoutKeepsHandlerError(t *testing.T) {
	_, err := Timeout(time.Second)(failingHandler)(context.Background(), newRequest())
	assert.EqualError(t, err, "error msg")
}

func TestTimeoutRecoversPanic(t *testing.T) {
	panicking := func(context.Context, *message.Request) (any, error) {
		panic("boom")
	}
	var err error
	require.NotPanics(t, func() {
		_, err = Timeout(time.Second)(panicking)(context.Background(), newRequest())
	})
	assert.EqualError(t, err, "boom")

	cause := errors.New("broken")
	_, err = Timeout(time.Second)(func(context.Context, *message.Request) (any, error) {
		panic(cause)
	})(context.Background(), newRequest())
	assert.ErrorIs(t, err, cause)
}

func TestRateLimit(t *testing.T) {
	// burst 2 lets the first two through immediately.
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), newRequest())
		require.NoError(t, err, "request %d", i)
	}
	_, err := handler(context.Background(), newRequest())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.EqualError(t, err, "rate limit exceeded")
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (any, error) {
				trace = append(trace, name+".before")
				result, err := next(ctx, req)
				trace = append(trace, name+".after")
				return result, err
			}
		}
	}

	handler := Chain(mark("A"), mark("B"))(func(ctx context.Context, req *message.Request) (any, error) {
		trace = append(trace, "handler")
		return nil, nil
	})
	_, err := handler(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"A.before", "B.before", "handler", "B.after", "A.after"}, trace)
}

func TestChainEmpty(t *testing.T) {
	result, err := Chain()(echoHandler)(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, "message", result)
}
