package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Listen binds target. For unix sockets a stale socket file left behind by
// a previous process is removed first; any other kind of file at the path is
// an error.
func Listen(target Target) (net.Listener, error) {
	if target.Network == NetworkUnix {
		if err := removeStaleSocket(target.Address); err != nil {
			return nil, err
		}
	}
	return net.Listen(target.Network, target.Address)
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("transport: %s exists and is not a socket", path)
	}
	return os.Remove(path)
}
