package config

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/studio-ousia/mprpc/client"
	"github.com/studio-ousia/mprpc/codec"
	"github.com/studio-ousia/mprpc/loadbalance"
	"github.com/studio-ousia/mprpc/middleware"
	"github.com/studio-ousia/mprpc/server"
)

// ServerOptions translates the server section. Requests are logged first,
// then rate limited, then bounded by the handler timeout.
func (s ServerConfig) ServerOptions(logger *zap.Logger) ([]server.Option, error) {
	enc, err := codec.LookupEncoding(s.Encoding)
	if err != nil {
		return nil, err
	}
	mws := []middleware.Middleware{middleware.Logging(logger)}
	if s.RateLimit.Rate > 0 {
		burst := s.RateLimit.Burst
		if burst == 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimit(s.RateLimit.Rate, burst))
	}
	if s.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(s.HandlerTimeout.Std()))
	}
	return []server.Option{
		server.WithLogger(logger),
		server.WithEncoding(enc),
		server.WithMiddleware(mws...),
	}, nil
}

// ClientOptions translates the client section. The options carry a single
// balancer, so every client dialed with them shares its state.
func (c ClientConfig) ClientOptions(logger *zap.Logger) ([]client.Option, error) {
	enc, err := codec.LookupEncoding(c.Encoding)
	if err != nil {
		return nil, err
	}
	b, err := loadbalance.New(c.Balancer, c.HashKey)
	if err != nil {
		return nil, err
	}
	return []client.Option{
		client.WithLogger(logger),
		client.WithEncoding(enc),
		client.WithTimeout(c.Timeout.Std()),
		client.WithLifetime(c.Lifetime.Std()),
		client.WithBalancer(b),
	}, nil
}

// NewLogger builds the zap logger described by the log section.
func NewLogger(l LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
