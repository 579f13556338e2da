// Package server implements the msgpack-rpc server.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (one goroutine per connection)
//	  → ReadValue → ParseRequest → middleware chain → handler table → Pack → WriteFrame
//
// Each connection is strictly sequential: request N+1 is not read before the
// response to request N has been written. Concurrency comes from serving
// many connections at once.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/studio-ousia/mprpc/message"
	"github.com/studio-ousia/mprpc/middleware"
	"github.com/studio-ousia/mprpc/protocol"
	"github.com/studio-ousia/mprpc/registry"
	"github.com/studio-ousia/mprpc/transport"
)

// aLongTimeAgo is a deadline that has always passed.
var aLongTimeAgo = time.Unix(1, 0)

// Handler serves one method. params are the decoded positional arguments.
// A returned error is sent to the client as the response error message.
type Handler func(ctx context.Context, params []any) (any, error)

// Handlers maps method names to their handlers.
type Handlers map[string]Handler

type Server struct {
	handlers Handlers // never modified after NewServer
	opts     *options
	handler  middleware.HandlerFunc // middleware(middleware(...(s.invoke)))
	logger   *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*transport.Conn]struct{}
	published []registry.ServiceInstance
	wg        sync.WaitGroup // one per tracked connection
	shutdown  atomic.Bool
}

// NewServer builds a server for a copy of handlers. Names beginning with
// protocol.PrivatePrefix can be present but are never reachable.
func NewServer(handlers Handlers, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	table := make(Handlers, len(handlers))
	for name, h := range handlers {
		table[name] = h
	}
	s := &Server{
		handlers:  table,
		opts:      o,
		logger:    o.logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*transport.Conn]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.handler = middleware.Chain(o.middlewares...)(s.invoke)
	return s
}

// ListenAndServe binds network/address ("tcp" or "unix") and serves it.
func (s *Server) ListenAndServe(network, address string) error {
	target, err := transport.ParseTarget(network, address)
	if err != nil {
		return err
	}
	l, err := transport.Listen(target)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown, and then returns nil. The
// server is published to its registry, if any, before the first Accept.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l) {
		l.Close()
		return nil
	}
	defer s.untrackListener(l)

	if err := s.publish(l.Addr()); err != nil {
		l.Close()
		return err
	}
	s.logger.Info("msgpackrpc server listening", zap.Stringer("addr", l.Addr()))

	for {
		nc, err := l.Accept()
		if err != nil {
			// Closing the listener is how Shutdown stops this loop.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		conn := transport.Wrap(nc, s.connOptions())
		if !s.trackConn(conn) {
			conn.Close()
			return nil
		}
		go s.serveConn(conn)
	}
}

// Shutdown stops the server gracefully: it withdraws the registry entries,
// stops accepting, lets every in-flight call write its response and then
// closes idle connections. If ctx ends first, the remaining connections are
// closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	errs := s.unpublish(ctx)

	s.mu.Lock()
	s.shutdown.Store(true)
	for l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	// Wake connections blocked waiting for a request. A connection in the
	// middle of a call notices the flag after writing its response.
	for conn := range s.conns {
		conn.SetReadDeadline(aLongTimeAgo)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		return errs
	case <-ctx.Done():
		s.cancelBase()
		s.mu.Lock()
		conns := make([]*transport.Conn, 0, len(s.conns))
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.Unlock()
		// A response stuck on a peer that stopped reading holds the send
		// lock Close needs, so fail its write first.
		for _, conn := range conns {
			conn.Interrupt()
			conn.Close()
		}
		return multierr.Append(errs, ctx.Err())
	}
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrackListener(l net.Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

// trackConn registers a connection with the wait group. Shutdown sets the
// flag under the same lock before waiting, so no Add can race the Wait.
func (s *Server) trackConn(conn *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn *transport.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) publish(addr net.Addr) error {
	p := s.opts.publication
	if p == nil {
		return nil
	}
	instance := p.instance
	if instance.Addr == "" {
		instance.Network = addr.Network()
		instance.Addr = addr.String()
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, defaultRegisterTimeout)
	defer cancel()
	if err := p.registry.Register(ctx, p.service, instance, p.ttl); err != nil {
		return fmt.Errorf("server: register %s at %s: %w", p.service, instance.Addr, err)
	}

	s.mu.Lock()
	s.published = append(s.published, instance)
	s.mu.Unlock()
	s.logger.Info("published to registry", zap.String("service", p.service), zap.String("addr", instance.Addr))
	return nil
}

// unpublish runs before the listeners close so that clients stop picking
// this server while it can still answer.
func (s *Server) unpublish(ctx context.Context) error {
	p := s.opts.publication
	if p == nil {
		return nil
	}
	s.mu.Lock()
	published := s.published
	s.published = nil
	s.mu.Unlock()

	var errs error
	for _, instance := range published {
		if err := p.registry.Deregister(ctx, p.service, instance.Addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server: deregister %s at %s: %w", p.service, instance.Addr, err))
		}
	}
	return errs
}

func (s *Server) connOptions() transport.Options {
	return transport.Options{
		PackEncoding:   s.opts.packEncoding,
		UnpackEncoding: s.opts.unpackEncoding,
		ReadBufferSize: s.opts.readBufferSize,
	}
}

// serveConn runs the receive, dispatch, respond loop of one connection
// until the peer disconnects, an I/O error occurs or the server shuts down.
func (s *Server) serveConn(conn *transport.Conn) {
	defer s.untrackConn(conn)
	logger := s.logger.With(zap.String("conn", uuid.NewString()), zap.Stringer("remote", conn.RemoteAddr()))
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, protocol.ErrNotConnected) {
			logger.Debug("failed to close the socket", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	logger.Debug("connection accepted")
	for {
		if s.shutdown.Load() && conn.Buffered() == 0 {
			logger.Debug("closing idle connection on shutdown")
			return
		}

		v, err := conn.ReadValue()
		if err != nil {
			s.logReadError(logger, conn, err)
			return
		}

		req, err := message.ParseRequest(v)
		if err != nil {
			// The byte stream cannot be trusted after a bad frame.
			logger.Error("malformed request, closing connection", zap.Error(err))
			return
		}

		result, err := s.dispatch(ctx, logger, req)
		if err := s.respond(conn, logger, req.ID, result, err); err != nil {
			logger.Error("failed to write response", zap.Uint32("msgid", req.ID), zap.Error(err))
			return
		}
	}
}

func (s *Server) logReadError(logger *zap.Logger, conn *transport.Conn, err error) {
	switch {
	case errors.Is(err, protocol.ErrConnectionClosed) && conn.Buffered() == 0:
		logger.Debug("client disconnected")
	case errors.Is(err, protocol.ErrTimeout) && s.shutdown.Load():
		logger.Debug("closing idle connection on shutdown")
	case errors.Is(err, protocol.ErrNotConnected):
		logger.Debug("connection closed on shutdown")
	case errors.Is(err, protocol.ErrProtocol):
		logger.Error("malformed request, closing connection", zap.Error(err))
	default:
		logger.Error("connection read failed", zap.Int("buffered", conn.Buffered()), zap.Error(err))
	}
}

// dispatch runs the middleware chain. Handler failures are logged and
// returned as values; nothing a handler does can end the connection.
func (s *Server) dispatch(ctx context.Context, logger *zap.Logger, req *message.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("middleware panicked", zap.String("method", req.Method), zap.Any("panic", r), zap.Stack("stack"))
			result, err = nil, panicError(r)
		}
	}()
	result, err = s.handler(ctx, req)
	if err != nil {
		logger.Warn("call failed", zap.String("method", req.Method), zap.Uint32("msgid", req.ID), zap.Error(err))
	}
	return result, err
}

// invoke resolves the method in the handler table and calls it. It is the
// innermost link of the middleware chain.
func (s *Server) invoke(ctx context.Context, req *message.Request) (result any, err error) {
	h := s.lookup(req.Method)
	if h == nil {
		return nil, protocol.ErrMethodNotFound
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", zap.String("method", req.Method), zap.Any("panic", r), zap.Stack("stack"))
			result, err = nil, panicError(r)
		}
	}()
	return h(ctx, req.Params)
}

// lookup returns nil for private, unknown and nil entries alike, so callers
// cannot tell them apart.
func (s *Server) lookup(method string) Handler {
	if method == "" || strings.HasPrefix(method, protocol.PrivatePrefix) {
		return nil
	}
	return s.handlers[method]
}

// respond writes the response to request id. A result the codec cannot
// encode is replaced by an error response.
func (s *Server) respond(conn *transport.Conn, logger *zap.Logger, id uint32, result any, callErr error) error {
	data, err := conn.Pack(message.NewResponse(id, result, callErr).Frame())
	if err != nil {
		logger.Error("cannot encode result", zap.Uint32("msgid", id), zap.Error(err))
		data, err = conn.Pack(message.NewResponse(id, nil, fmt.Errorf("cannot encode result: %v", err)).Frame())
		if err != nil {
			return err
		}
	}
	return conn.WriteFrame(data)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
