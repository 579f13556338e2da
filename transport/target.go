package transport

import (
	"fmt"
	"net"
	"strconv"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

// Target is the address a Conn connects to: either a TCP endpoint or the
// filesystem path of a unix domain socket.
type Target struct {
	Network string
	Address string
}

// TCP returns the target for host:port.
func TCP(host string, port int) Target {
	return Target{Network: NetworkTCP, Address: net.JoinHostPort(host, strconv.Itoa(port))}
}

// Unix returns the target for a unix domain socket at path.
func Unix(path string) Target {
	return Target{Network: NetworkUnix, Address: path}
}

// ParseTarget builds a Target from a network name and address. An empty
// network means TCP.
func ParseTarget(network, address string) (Target, error) {
	switch network {
	case "", NetworkTCP, "tcp4", "tcp6":
		if network == "" {
			network = NetworkTCP
		}
		if _, _, err := net.SplitHostPort(address); err != nil {
			return Target{}, fmt.Errorf("transport: invalid tcp address %q: %w", address, err)
		}
	case NetworkUnix:
		if address == "" {
			return Target{}, fmt.Errorf("transport: empty unix socket path")
		}
	default:
		return Target{}, fmt.Errorf("transport: unsupported network %q", network)
	}
	return Target{Network: network, Address: address}, nil
}

func (t Target) String() string {
	return t.Network + "://" + t.Address
}
