package client

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/studio-ousia/mprpc/loadbalance"
)

// DefaultLifetimeJitter is the largest amount subtracted from a configured
// lifetime, so that pooled connections created together do not all expire
// at once.
const DefaultLifetimeJitter = 10 * time.Second

type options struct {
	timeout        time.Duration
	lifetime       time.Duration
	maxJitter      time.Duration
	rand           *rand.Rand
	packEncoding   encoding.Encoding
	unpackEncoding encoding.Encoding
	readBufferSize int
	balancer       loadbalance.Balancer
	logger         *zap.Logger
}

func defaultOptions() *options {
	return &options{
		maxJitter: DefaultLifetimeJitter,
		logger:    zap.NewNop(),
	}
}

type Option func(*options)

// WithTimeout bounds connecting and every call. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLifetime makes IsExpired report true once d, minus a random jitter,
// has passed since the client was created.
func WithLifetime(d time.Duration) Option {
	return func(o *options) {
		o.lifetime = d
	}
}

// WithLifetimeJitter sets the upper bound of the jitter subtracted from the
// lifetime. The jitter never exceeds half the lifetime.
func WithLifetimeJitter(d time.Duration) Option {
	return func(o *options) {
		o.maxJitter = d
	}
}

// WithRand sets the random source the lifetime jitter is drawn from. It is
// not shared with the balancer.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rand = r
	}
}

// WithEncoding sets the text encoding used for both packing and unpacking.
func WithEncoding(enc encoding.Encoding) Option {
	return func(o *options) {
		o.packEncoding = enc
		o.unpackEncoding = enc
	}
}

func WithPackEncoding(enc encoding.Encoding) Option {
	return func(o *options) {
		o.packEncoding = enc
	}
}

func WithUnpackEncoding(enc encoding.Encoding) Option {
	return func(o *options) {
		o.unpackEncoding = enc
	}
}

func WithReadBufferSize(n int) Option {
	return func(o *options) {
		o.readBufferSize = n
	}
}

// WithBalancer sets how DialService chooses among the discovered instances.
// The default picks one at random. Share one Balancer between the clients of
// a pool so that stateful strategies see every pick.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) {
		if b != nil {
			o.balancer = b
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func (o *options) int64N(n int64) int64 {
	if o.rand != nil {
		return o.rand.Int64N(n)
	}
	return rand.Int64N(n)
}
