package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/studio-ousia/mprpc/message"
	"github.com/studio-ousia/mprpc/middleware"
	"github.com/studio-ousia/mprpc/protocol"
	"github.com/studio-ousia/mprpc/registry"
	"github.com/studio-ousia/mprpc/transport"
)

func testHandlers() Handlers {
	return Handlers{
		"echo": func(_ context.Context, params []any) (any, error) {
			return params[0], nil
		},
		"sum": Func(func(a, b int) int { return a + b }),
		"raise_error": func(context.Context, []any) (any, error) {
			return nil, errors.New("error msg")
		},
		"panic": func(context.Context, []any) (any, error) {
			panic("boom")
		},
		"sleep": func(_ context.Context, params []any) (any, error) {
			time.Sleep(time.Duration(params[0].(int64)) * time.Millisecond)
			return "done", nil
		},
		"block": func(ctx context.Context, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"unencodable": func(context.Context, []any) (any, error) {
			return func() {}, nil
		},
		"_private": func(context.Context, []any) (any, error) {
			return "secret", nil
		},
		"missing": nil,
	}
}

func startServer(t *testing.T, handlers Handlers, opts ...Option) (*Server, transport.Target) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(handlers, opts...)
	go s.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, transport.Target{Network: "tcp", Address: l.Addr().String()}
}

func dial(t *testing.T, target transport.Target) *transport.Conn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), target, time.Second, transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func roundTrip(t *testing.T, conn *transport.Conn, id uint32, method string, params ...any) *message.Response {
	t.Helper()
	req := &message.Request{ID: id, Method: method, Params: params}
	require.NoError(t, conn.WriteValue(req.Frame()))
	v, err := conn.ReadValue()
	require.NoError(t, err)
	resp, err := message.ParseResponse(v)
	require.NoError(t, err)
	require.Equal(t, id, resp.ID)
	return resp
}

func TestServeEcho(t *testing.T) {
	_, target := startServer(t, testHandlers())
	conn := dial(t, target)

	resp := roundTrip(t, conn, 1, "echo", "message")
	assert.Nil(t, resp.Error)
	assert.Equal(t, "message", resp.Result)

	resp = roundTrip(t, conn, 2, "sum", 1, 2)
	assert.Nil(t, resp.Error)
	assert.EqualValues(t, 3, resp.Result)
}

func TestServeMethodNotFound(t *testing.T) {
	_, target := startServer(t, testHandlers())
	conn := dial(t, target)

	for i, method := range []string{"unknown", "_private", "__private", "missing", ""} {
		resp := roundTrip(t, conn, uint32(i+1), method)
		assert.Equal(t, protocol.MethodNotFoundMessage, resp.Error, method)
		assert.Nil(t, resp.Result, method)
	}
}

func TestServeHandlerErrorKeepsConnection(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	_, target := startServer(t, testHandlers(), WithLogger(zap.New(core)))
	conn := dial(t, target)

	resp := roundTrip(t, conn, 1, "raise_error")
	assert.Equal(t, "error msg", resp.Error)
	assert.Nil(t, resp.Result)

	resp = roundTrip(t, conn, 2, "panic")
	assert.Equal(t, "boom", resp.Error)

	resp = roundTrip(t, conn, 3, "echo", "still alive")
	assert.Equal(t, "still alive", resp.Result)

	assert.NotZero(t, logs.FilterMessage("call failed").Len())
	assert.NotZero(t, logs.FilterMessage("handler panicked").Len())
}

func TestServeUnencodableResult(t *testing.T) {
	_, target := startServer(t, testHandlers())
	conn := dial(t, target)

	resp := roundTrip(t, conn, 1, "unencodable")
	assert.Contains(t, resp.ErrorMessage(), "cannot encode result")

	resp = roundTrip(t, conn, 2, "echo", "ok")
	assert.Equal(t, "ok", resp.Result)
}

func TestServeMalformedRequestClosesConnection(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	_, target := startServer(t, testHandlers(), WithLogger(zap.New(core)))
	conn := dial(t, target)

	// A response frame where a request is expected.
	require.NoError(t, conn.WriteValue([]any{1, 1, nil, "x"}))
	_, err := conn.ReadValue()
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("malformed request, closing connection").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServeSequentialPerConnection(t *testing.T) {
	_, target := startServer(t, testHandlers())
	conn := dial(t, target)

	// Two requests in one write are answered in order.
	first, err := conn.Pack((&message.Request{ID: 1, Method: "sleep", Params: []any{50}}).Frame())
	require.NoError(t, err)
	second, err := conn.Pack((&message.Request{ID: 2, Method: "echo", Params: []any{"x"}}).Frame())
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(append(first, second...)))

	for _, want := range []uint32{1, 2} {
		v, err := conn.ReadValue()
		require.NoError(t, err)
		resp, err := message.ParseResponse(v)
		require.NoError(t, err)
		assert.Equal(t, want, resp.ID)
	}
}

func TestServeConcurrentConnections(t *testing.T) {
	_, target := startServer(t, testHandlers())

	var wg sync.WaitGroup
	for c := 0; c < 10; c++ {
		conn := dial(t, target)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 20; i++ {
				req := &message.Request{ID: uint32(i), Method: "sum", Params: []any{i, c}}
				if !assert.NoError(t, conn.WriteValue(req.Frame())) {
					return
				}
				v, err := conn.ReadValue()
				if !assert.NoError(t, err) {
					return
				}
				resp, err := message.ParseResponse(v)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, uint32(i), resp.ID)
				assert.EqualValues(t, i+c, resp.Result)
			}
		}()
	}
	wg.Wait()
}

func TestHandlerTableIsCopied(t *testing.T) {
	handlers := testHandlers()
	_, target := startServer(t, handlers)
	handlers["late"] = func(context.Context, []any) (any, error) { return "late", nil }
	delete(handlers, "echo")

	conn := dial(t, target)
	assert.Equal(t, protocol.MethodNotFoundMessage, roundTrip(t, conn, 1, "late").Error)
	assert.Equal(t, "x", roundTrip(t, conn, 2, "echo", "x").Result)
}

func TestServeMiddleware(t *testing.T) {
	_, target := startServer(t, testHandlers(),
		WithMiddleware(middleware.RateLimit(0.001, 1), middleware.Timeout(time.Second)))
	conn := dial(t, target)

	assert.Equal(t, "x", roundTrip(t, conn, 1, "echo", "x").Result)
	assert.Equal(t, "rate limit exceeded", roundTrip(t, conn, 2, "echo", "x").Error)
}

func TestServeUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.sock")
	s := NewServer(testHandlers())
	served := make(chan error, 1)
	go func() { served <- s.ListenAndServe("unix", path) }()

	target := transport.Unix(path)
	var conn *transport.Conn
	require.Eventually(t, func() bool {
		c, err := transport.Dial(context.Background(), target, time.Second, transport.Options{})
		if err != nil {
			return false
		}
		conn = c
		return true
	}, time.Second, 10*time.Millisecond)
	defer conn.Close()

	assert.Equal(t, "message", roundTrip(t, conn, 1, "echo", "message").Result)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, <-served)
}

func TestShutdownWaitsForInFlightCall(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(testHandlers())
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	target := transport.Target{Network: "tcp", Address: l.Addr().String()}
	busy := dial(t, target)
	idle := dial(t, target)
	assert.Equal(t, "x", roundTrip(t, idle, 1, "echo", "x").Result)

	require.NoError(t, busy.WriteValue((&message.Request{ID: 1, Method: "sleep", Params: []any{200}}).Frame()))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-served)

	v, err := busy.ReadValue()
	require.NoError(t, err, "the in-flight call is answered")
	resp, err := message.ParseResponse(v)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Result)

	_, err = idle.ReadValue()
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)

	_, err = net.Dial("tcp", target.Address)
	assert.Error(t, err, "listener is closed")
}

func TestShutdownDeadline(t *testing.T) {
	s, target := startServer(t, testHandlers())
	conn := dial(t, target)
	require.NoError(t, conn.WriteValue((&message.Request{ID: 1, Method: "block"}).Frame()))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownDeadlineWithPeerNotReading(t *testing.T) {
	big := strings.Repeat("x", 32<<20)
	handlers := testHandlers()
	handlers["big"] = func(context.Context, []any) (any, error) { return big, nil }
	s, target := startServer(t, handlers)

	// The peer sends a call and never reads the answer, so the response
	// write fills the socket buffers and stays blocked.
	conn := dial(t, target)
	require.NoError(t, conn.WriteValue((&message.Request{ID: 1, Method: "big"}).Frame()))
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Shutdown(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown hung on a blocked write")
	}
}

func TestServePublishesToRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s, target := startServer(t, testHandlers(), WithRegistry(reg, "Echo", registry.ServiceInstance{Version: "1.0"}, 10))

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), "Echo")
		return len(instances) == 1
	}, time.Second, 10*time.Millisecond)
	instances, err := reg.Discover(context.Background(), "Echo")
	require.NoError(t, err)
	assert.Equal(t, registry.ServiceInstance{Network: "tcp", Addr: target.Address, Version: "1.0"}, instances[0])

	require.NoError(t, s.Shutdown(context.Background()))
	instances, err = reg.Discover(context.Background(), "Echo")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

type failingRegistry struct{ registry.Registry }

func (failingRegistry) Register(context.Context, string, registry.ServiceInstance, int64) error {
	return errors.New("registry down")
}

func TestServeFailsWhenRegistrationFails(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(testHandlers(), WithRegistry(failingRegistry{}, "Echo", registry.ServiceInstance{}, 10))
	err = s.Serve(l)
	assert.ErrorContains(t, err, "registry down")
}

func TestServeAfterShutdown(t *testing.T) {
	s := NewServer(testHandlers())
	require.NoError(t, s.Shutdown(context.Background()))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, s.Serve(l))
}
