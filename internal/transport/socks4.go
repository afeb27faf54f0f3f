package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// SOCKS4 wire constants.
const (
	socks4Version   = 0x04
	socks4Connect   = 0x01
	socks4Granted   = 0x5a
	socks4Rejected  = 0x5b
	socks4NoIdentd  = 0x5c
	socks4BadIdentd = 0x5d
)

// SOCKS4Dialer connects through a SOCKS4 proxy.  Hostnames that are not
// IPv4 literals are sent with the SOCKS4a extension so the proxy
// resolves them.  SOCKS4 has no password; User is sent as the USERID.
type SOCKS4Dialer struct {
	Proxy   string // proxy host:port
	User    string
	Timeout time.Duration
}

// Dial asks the proxy to CONNECT to address.
func (d *SOCKS4Dialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4 dial %s %s: unsupported network", network, address)
	}
	req, err := socks4Request(address, d.User)
	if err != nil {
		return nil, fmt.Errorf("socks4 dial %s: %w", address, err)
	}
	conn, err := dialProxy(ctx, d.Proxy, d.Timeout)
	if err != nil {
		return nil, err
	}
	err = handshake(ctx, conn, d.Timeout, func() error {
		if _, err := conn.Write(req); err != nil {
			return fmt.Errorf("write request: %w", err)
		}
		var rep [8]byte
		if _, err := io.ReadFull(conn, rep[:]); err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		if rep[0] != 0x00 {
			return fmt.Errorf("bad reply version %#x", rep[0])
		}
		if rep[1] != socks4Granted {
			return fmt.Errorf("connect rejected: %s", socks4ReplyText(rep[1]))
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 %s → %s: %w", d.Proxy, address, err)
	}
	return conn, nil
}

// Close is a no-op; every Dial uses its own proxy connection.
func (d *SOCKS4Dialer) Close() error { return nil }

// socks4Request encodes a CONNECT request:
//
//	VN(1) CD(1) DSTPORT(2) DSTIP(4) USERID NUL [HOST NUL]
func socks4Request(address, user string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	req := make([]byte, 0, 9+len(user)+len(host)+1)
	req = append(req, socks4Version, socks4Connect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))

	ip := net.ParseIP(host)
	switch {
	case ip != nil && ip.To4() != nil:
		req = append(req, ip.To4()...)
		req = append(req, user...)
		req = append(req, 0)
	case ip != nil:
		return nil, errors.New("IPv6 destinations need SOCKS5")
	default:
		// SOCKS4a: 0.0.0.x with x != 0, hostname after USERID.
		req = append(req, 0, 0, 0, 1)
		req = append(req, user...)
		req = append(req, 0)
		req = append(req, host...)
		req = append(req, 0)
	}
	return req, nil
}

func socks4ReplyText(code byte) string {
	switch code {
	case socks4Rejected:
		return "request rejected or failed"
	case socks4NoIdentd:
		return "proxy cannot reach client identd"
	case socks4BadIdentd:
		return "identd user mismatch"
	}
	return fmt.Sprintf("reply %#x", code)
}
