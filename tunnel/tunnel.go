// Package tunnel implements a resilient SSH session: remote command
// execution, ID-keyed local-to-remote port forwards, an optional SOCKS
// hop in front of the SSH server, and reconnection when the transport
// is lost.
package tunnel

import (
	"context"
	"net"
)

// State is the lifecycle position of a [Session].
type State int

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateChecking // liveness probe in flight; resolves to Ready or Closed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateChecking:
		return "checking"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// serviceable reports whether exec and forwarding may use the transport.
func (s State) serviceable() bool {
	return s == StateReady || s == StateChecking
}

// Transport is one established SSH connection.
type Transport interface {
	// Exec runs cmd in a new session channel and returns everything
	// it wrote to stdout and stderr.  A non-zero exit status is not
	// an error; err is reserved for channel and transport failures.
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)

	// ForwardOut opens a direct-tcpip channel to host:port as seen
	// from the remote side.
	ForwardOut(ctx context.Context, host string, port int) (net.Conn, error)

	// Wait blocks until the transport is closed or fails.
	Wait() error

	// Close tears down the transport.  Safe to call more than once.
	Close() error
}

// TransportDialer establishes a Transport.  When conn is non-nil the
// SSH handshake runs over it (the proxy hop); otherwise the dialer
// connects to the SSH host itself.
type TransportDialer interface {
	DialTransport(ctx context.Context, conn net.Conn) (Transport, error)
}

// CommandResult pairs a command from a batch with its stdout.
type CommandResult struct {
	Command string
	Result  string
}
