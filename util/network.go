package util

import (
	"fmt"
	"net"
	"strconv"

	ncerr "sshtunnel/internal/errors"
)

// MaxPort is the highest TCP port number.
const MaxPort = 65535

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// PortAvailable reports whether port can be bound on both the wildcard
// address and loopback.  A port can be free on one and taken on the
// other, so both are tried.
func PortAvailable(port int) bool {
	for _, host := range []string{"", "127.0.0.1"} {
		l, err := net.Listen("tcp", FormatAddr(host, port))
		if err != nil {
			return false
		}
		l.Close()
	}
	return true
}

// FindAvailablePort returns the first port ≥ hint that passes
// [PortAvailable].  A hint of 0 lets the kernel choose.
func FindAvailablePort(hint int) (int, error) {
	if hint <= 0 {
		return FindFreePort()
	}
	for port := hint; port <= MaxPort; port++ {
		if PortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d", ncerr.ErrPortExhausted, hint, MaxPort)
}
