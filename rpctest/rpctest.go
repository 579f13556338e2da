// Package rpctest starts in-process msgpack-rpc servers for tests, in the
// manner of net/http/httptest.
package rpctest

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/studio-ousia/mprpc/server"
	"github.com/studio-ousia/mprpc/transport"
)

const shutdownTimeout = time.Second

// Server is a running server bound to a private address.
type Server struct {
	*server.Server
	Target transport.Target

	served chan error
}

// NewServer serves handlers on an ephemeral 127.0.0.1 port. The server is
// shut down when the test finishes.
func NewServer(tb testing.TB, handlers server.Handlers, opts ...server.Option) *Server {
	tb.Helper()
	l, err := transport.Listen(transport.TCP("127.0.0.1", 0))
	if err != nil {
		tb.Fatalf("rpctest: listen: %v", err)
	}
	return start(tb, l, handlers, opts)
}

// NewUnixServer serves handlers on a unix socket in a temporary directory.
func NewUnixServer(tb testing.TB, handlers server.Handlers, opts ...server.Option) *Server {
	tb.Helper()
	l, err := transport.Listen(transport.Unix(filepath.Join(tb.TempDir(), "rpc.sock")))
	if err != nil {
		tb.Fatalf("rpctest: listen: %v", err)
	}
	return start(tb, l, handlers, opts)
}

func start(tb testing.TB, l net.Listener, handlers server.Handlers, opts []server.Option) *Server {
	s := &Server{
		Server: server.NewServer(handlers, opts...),
		Target: transport.Target{Network: l.Addr().Network(), Address: l.Addr().String()},
		served: make(chan error, 1),
	}
	go func() { s.served <- s.Serve(l) }()
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Logf("rpctest: shutdown: %v", err)
		}
	})
	return s
}

// Close shuts the server down and returns what Serve returned, or the
// shutdown error. Calling it more than once is harmless.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case err, ok := <-s.served:
		if ok {
			close(s.served)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
