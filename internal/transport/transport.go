// Package transport provides abstractions for network connection
// establishment.  Transports handle the "how" of reaching the SSH
// server: a plain TCP dial, or a CONNECT through a SOCKS4/SOCKS5 proxy
// hop.  What runs over the connection is the tunnel package's job.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer and SOCKS dialers that reach the destination
// through a proxy hop.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}
