// Package registry publishes server addresses so clients can find them.
package registry

import (
	"context"
	"errors"

	"github.com/studio-ousia/mprpc/transport"
)

// ErrNoInstances is returned when a service has no live instance.
var ErrNoInstances = errors.New("registry: no instances")

// ServiceInstance is one server listening for a service.
type ServiceInstance struct {
	Network string `json:"network"` // "tcp" or "unix"
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
	Weight  int    `json:"weight,omitempty"` // relative share for weighted balancing
}

// Target returns the address a client dials to reach the instance.
func (i ServiceInstance) Target() transport.Target {
	network := i.Network
	if network == "" {
		network = transport.NetworkTCP
	}
	return transport.Target{Network: network, Address: i.Addr}
}

type Registry interface {
	// Register publishes instance under serviceName. ttl is in seconds; the
	// entry disappears by itself if its owner stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
}
