// Package transport implements the connection shared by the client and the
// server: one stream socket (TCP or unix domain) plus its codec state.
//
// A Conn is driven by a single goroutine. Reads and the decoder state are
// never locked; writes go through a per-connection mutex so that two frames,
// or a frame and the teardown, can never interleave on the wire:
//
//	handler A ──WriteFrame──┐
//	handler B ──WriteFrame──┼──→ sending lock ──→ socket
//	Close     ──────────────┘
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/text/encoding"

	"github.com/studio-ousia/mprpc/codec"
	"github.com/studio-ousia/mprpc/protocol"
)

// Options configures the codec state of a Conn.
type Options struct {
	PackEncoding   encoding.Encoding // text encoding for outbound strings, nil for raw UTF-8
	UnpackEncoding encoding.Encoding // text encoding for inbound strings, nil for raw UTF-8
	ReadBufferSize int               // bytes per socket read, protocol.SocketRecvSize when zero
}

// Conn is one logical socket plus its packer and unpacker.
type Conn struct {
	opts     Options
	mu       sync.Mutex // guards nc and target
	nc       net.Conn
	target   Target
	sending  sync.Mutex // serializes every write and the close
	packer   *codec.Packer
	unpacker *codec.Unpacker
	readBuf  []byte
}

// NewConn returns an unconnected Conn.
func NewConn(opts Options) *Conn {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = protocol.SocketRecvSize
	}
	return &Conn{
		opts:     opts,
		packer:   codec.NewPacker(opts.PackEncoding),
		unpacker: codec.NewUnpacker(opts.UnpackEncoding),
	}
}

// Wrap adopts an already established socket, typically one returned by
// Accept.
func Wrap(nc net.Conn, opts Options) *Conn {
	c := NewConn(opts)
	c.nc = nc
	c.target = Target{Network: nc.RemoteAddr().Network(), Address: nc.RemoteAddr().String()}
	return c
}

// Dial returns a Conn connected to target.
func Dial(ctx context.Context, target Target, timeout time.Duration, opts Options) (*Conn, error) {
	c := NewConn(opts)
	if err := c.Connect(ctx, target, timeout); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens exactly one socket to target. A zero timeout means the dial
// is bounded only by ctx. Connecting an open Conn fails with
// protocol.ErrAlreadyConnected.
func (c *Conn) Connect(ctx context.Context, target Target, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		return protocol.ErrAlreadyConnected
	}

	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, target.Network, target.Address)
	if err != nil {
		if isTimeout(err) {
			return &protocol.TimeoutError{Op: "dial", Err: err}
		}
		return &protocol.ConnectionError{Op: "dial", Target: target.String(), Err: err}
	}

	c.nc = nc
	c.target = target
	// A fresh socket starts at a frame boundary.
	c.unpacker = codec.NewUnpacker(c.opts.UnpackEncoding)
	return nil
}

// Close closes the socket. Closing a Conn that is not open fails with
// protocol.ErrNotConnected.
func (c *Conn) Close() error {
	c.sending.Lock()
	defer c.sending.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return protocol.ErrNotConnected
	}
	err := c.nc.Close()
	c.nc = nil
	return err
}

// IsConnected reports whether the socket is present and not yet closed.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil
}

// Target returns the address the Conn was connected to, or the peer address
// of an accepted socket.
func (c *Conn) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Conn) RemoteAddr() net.Addr {
	nc := c.socket()
	if nc == nil {
		return nil
	}
	return nc.RemoteAddr()
}

func (c *Conn) socket() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// SetDeadline sets the read and write deadline of the socket.
func (c *Conn) SetDeadline(t time.Time) error {
	nc := c.socket()
	if nc == nil {
		return protocol.ErrNotConnected
	}
	return nc.SetDeadline(t)
}

// SetReadDeadline sets the read deadline of the socket; a blocked ReadValue
// returns a timeout once it passes.
func (c *Conn) SetReadDeadline(t time.Time) error {
	nc := c.socket()
	if nc == nil {
		return protocol.ErrNotConnected
	}
	return nc.SetReadDeadline(t)
}

// Interrupt makes every pending and future read or write fail with a
// timeout until a new deadline is set. It does not take the sending lock, so
// it can unblock a writer stuck on a slow peer.
func (c *Conn) Interrupt() error {
	return c.SetDeadline(time.Unix(1, 0))
}

// Pack encodes v with the connection's packer.
func (c *Conn) Pack(v any) ([]byte, error) {
	return c.packer.Pack(v)
}

// WriteValue packs v and writes it as one frame.
func (c *Conn) WriteValue(v any) error {
	data, err := c.packer.Pack(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(data)
}

// WriteFrame writes data completely under the sending lock. A short write is
// continued, never abandoned half-way.
func (c *Conn) WriteFrame(data []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	nc := c.socket()
	if nc == nil {
		return protocol.ErrNotConnected
	}
	for len(data) > 0 {
		n, err := nc.Write(data)
		data = data[n:]
		if err != nil {
			return c.ioError("write", err)
		}
		if n == 0 {
			return c.ioError("write", io.ErrShortWrite)
		}
	}
	return nil
}

// ReadValue returns the next complete decoded value, reading from the socket
// only when the already buffered bytes do not hold one.
func (c *Conn) ReadValue() (any, error) {
	nc := c.socket()
	if nc == nil {
		return nil, protocol.ErrNotConnected
	}
	if c.readBuf == nil {
		c.readBuf = make([]byte, c.opts.ReadBufferSize)
	}
	for {
		v, ok, err := c.unpacker.Next()
		if err != nil {
			return nil, protocol.NewProtocolError("malformed frame: %v", err)
		}
		if ok {
			return v, nil
		}

		n, err := nc.Read(c.readBuf)
		if n > 0 {
			c.unpacker.Feed(c.readBuf[:n])
			continue
		}
		if err == nil {
			continue
		}
		return nil, c.ioError("read", err)
	}
}

// Buffered returns the number of received bytes that do not form a complete
// frame yet. It is non-zero when the peer went away mid-frame.
func (c *Conn) Buffered() int {
	return c.unpacker.Buffered()
}

func (c *Conn) ioError(op string, err error) error {
	if isTimeout(err) {
		return &protocol.TimeoutError{Op: op, Err: err}
	}
	target := c.Target().String()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrShortWrite) {
		return &protocol.ConnectionError{Op: op, Target: target, Err: fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)}
	}
	if op == "write" {
		// Any failed write leaves the peer with a truncated frame.
		return &protocol.ConnectionError{Op: op, Target: target, Err: fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)}
	}
	return &protocol.ConnectionError{Op: op, Target: target, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
