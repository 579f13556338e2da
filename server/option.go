package server

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/studio-ousia/mprpc/middleware"
	"github.com/studio-ousia/mprpc/registry"
)

const defaultRegisterTimeout = 5 * time.Second

type options struct {
	logger         *zap.Logger
	packEncoding   encoding.Encoding
	unpackEncoding encoding.Encoding
	readBufferSize int
	middlewares    []middleware.Middleware
	publication    *publication
}

// publication describes how the server announces itself in a registry.
type publication struct {
	registry registry.Registry
	service  string
	instance registry.ServiceInstance
	ttl      int64
}

func defaultOptions() *options {
	return &options{logger: zap.NewNop()}
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
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

// WithMiddleware appends middlewares around method dispatch, in order.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// WithRegistry publishes the server under service in reg while it serves.
// An instance with an empty Addr is filled in from the listener address;
// set it explicitly when the listener binds a wildcard address. ttl is in
// seconds.
func WithRegistry(reg registry.Registry, service string, instance registry.ServiceInstance, ttl int64) Option {
	return func(o *options) {
		o.publication = &publication{registry: reg, service: service, instance: instance, ttl: ttl}
	}
}
