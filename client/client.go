// Package client implements the synchronous msgpack-rpc client.
//
// A Client owns one connection and has at most one call in flight on it:
// each call writes a request, then reads until exactly one response frame
// decodes, and matches it against the id just sent. Parallelism comes from
// pooling several clients (see transport.Pool), never from pipelining.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studio-ousia/mprpc/loadbalance"
	"github.com/studio-ousia/mprpc/message"
	"github.com/studio-ousia/mprpc/protocol"
	"github.com/studio-ousia/mprpc/registry"
	"github.com/studio-ousia/mprpc/transport"
)

type Client struct {
	target    transport.Target
	opts      *options
	conn      *transport.Conn
	mu        sync.Mutex // one call at a time
	msgID     uint32     // id of the last request sent on the current connection
	expiresAt time.Time  // zero when no lifetime was configured
	logger    *zap.Logger
}

var (
	_ io.Closer        = (*Client)(nil)
	_ transport.Member = (*Client)(nil)
)

// NewClient creates a client for target without connecting it. The lifetime,
// if any, starts counting now.
func NewClient(target transport.Target, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	c := &Client{
		target: target,
		opts:   o,
		conn: transport.NewConn(transport.Options{
			PackEncoding:   o.packEncoding,
			UnpackEncoding: o.unpackEncoding,
			ReadBufferSize: o.readBufferSize,
		}),
		logger: o.logger.With(zap.Stringer("target", target)),
	}
	if o.lifetime > 0 {
		c.expiresAt = time.Now().Add(o.lifetime - c.jitter())
	}
	return c
}

// Dial creates a client for target and opens its connection.
func Dial(ctx context.Context, target transport.Target, opts ...Option) (*Client, error) {
	c := NewClient(target, opts...)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialService discovers the instances of service in reg and dials the one
// the balancer picks.
func DialService(ctx context.Context, reg registry.Registry, service string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", service, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("client: no instances of %s: %w", service, registry.ErrNoInstances)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	b := o.balancer
	if b == nil {
		b = loadbalance.NewRandom(nil)
	}
	inst, err := b.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("client: pick %s: %w", service, err)
	}
	o.logger.Debug("picked instance",
		zap.String("service", service),
		zap.String("balancer", b.Name()),
		zap.String("target", inst.Target().String()))
	return Dial(ctx, inst.Target(), opts...)
}

// Open establishes the connection. Opening an already connected client fails
// with protocol.ErrAlreadyConnected.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.logger.Debug("opening a msgpackrpc connection")
	if err := c.conn.Connect(ctx, c.target, c.opts.timeout); err != nil {
		return err
	}
	// Ids are scoped to one connection.
	c.msgID = 0
	return nil
}

// Close closes the connection. Closing a client that is not connected fails
// with protocol.ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debug("closing a msgpackrpc connection")
	return c.conn.Close()
}

// IsConnected reports whether the client currently holds an open socket.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// IsExpired reports whether the configured lifetime has run out. It is always
// false without a lifetime. The client never closes itself on expiry; that is
// left to whoever pools it.
func (c *Client) IsExpired() bool {
	if c.expiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.expiresAt)
}

// ExpiresAt returns the jittered expiry time and whether a lifetime was
// configured.
func (c *Client) ExpiresAt() (time.Time, bool) {
	return c.expiresAt, !c.expiresAt.IsZero()
}

// Target returns the address the client connects to.
func (c *Client) Target() transport.Target {
	return c.target
}

// Call invokes method with args and waits for its result.
func (c *Client) Call(method string, args ...any) (any, error) {
	return c.CallContext(context.Background(), method, args...)
}

// CallContext is Call with a context. The context deadline tightens the
// configured timeout; cancelling ctx abandons the connection the same way a
// timeout does. The remote handler is not told either way.
//
// Errors:
//   - *protocol.RemoteError: the handler failed; the connection stays usable.
//   - *protocol.ProtocolError: bad frame or message id mismatch.
//   - *protocol.TimeoutError, *protocol.ConnectionError: I/O failure.
//
// After a protocol or I/O failure the connection is closed before the error
// is returned and the next call dials a fresh one.
func (c *Client) CallContext(ctx context.Context, method string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.conn.IsConnected() {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	req := &message.Request{ID: c.nextID(), Method: method, Params: args}
	data, err := c.conn.Pack(req.Frame())
	if err != nil {
		return nil, fmt.Errorf("client: encode request %s: %w", method, err)
	}
	c.msgID = req.ID

	stop, err := c.armDeadline(ctx)
	if err != nil {
		c.invalidate(err)
		return nil, err
	}
	defer stop()

	if err := c.conn.WriteFrame(data); err != nil {
		return nil, c.fail(ctx, err)
	}
	v, err := c.conn.ReadValue()
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	resp, err := message.ParseResponse(v)
	if err != nil {
		c.invalidate(err)
		return nil, err
	}
	if resp.ID != req.ID {
		err := protocol.NewProtocolError("invalid message id: got %d, want %d", resp.ID, req.ID)
		c.invalidate(err)
		return nil, err
	}
	if resp.Failed() {
		return nil, &protocol.RemoteError{Message: resp.ErrorMessage(), Payload: resp.Error}
	}
	return resp.Result, nil
}

// armDeadline applies the call deadline to the socket and interrupts it when
// ctx is cancelled. The returned stop func must run before the next call.
// nextID returns the id for the next request. Ids start at 1 on every
// connection and skip 0 when they wrap.
func (c *Client) nextID() uint32 {
	if c.msgID == protocol.MaxMsgID {
		return 1
	}
	return c.msgID + 1
}

func (c *Client) armDeadline(ctx context.Context) (func(), error) {
	var deadline time.Time
	if c.opts.timeout > 0 {
		deadline = time.Now().Add(c.opts.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if ctx.Done() == nil {
		return func() {}, nil
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		c.conn.Interrupt()
	})
	return func() {
		if !stop() {
			// The interrupt is running or done; let it finish so it cannot
			// hit the next call's deadline.
			<-fired
		}
	}, nil
}

// fail invalidates the connection after an I/O error and maps an interrupt
// caused by cancellation back to the context error.
func (c *Client) fail(ctx context.Context, err error) error {
	c.invalidate(err)
	if errors.Is(err, protocol.ErrTimeout) && errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("client: call abandoned: %w", ctx.Err())
	}
	return err
}

// invalidate drops the socket: its stream position is unknown, so it must
// never carry another call.
func (c *Client) invalidate(cause error) {
	c.logger.Debug("invalidating msgpackrpc connection", zap.Error(cause))
	if err := c.conn.Close(); err != nil && !errors.Is(err, protocol.ErrNotConnected) {
		c.logger.Warn("failed to close the socket", zap.Error(err))
	}
}

func (c *Client) jitter() time.Duration {
	limit := min(c.opts.maxJitter, c.opts.lifetime/2)
	if limit <= 0 {
		return 0
	}
	return time.Duration(c.opts.int64N(int64(limit) + 1))
}
