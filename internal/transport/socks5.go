package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5Dialer connects through a SOCKS5 proxy (RFC 1928) with optional
// username/password authentication (RFC 1929).  The wire codec comes
// from txthinking/socks5; the handshake runs on a context-aware TCP
// connection so callers can cancel a stuck proxy.
type SOCKS5Dialer struct {
	Proxy    string // proxy host:port
	User     string
	Password string
	Timeout  time.Duration
}

// Dial asks the proxy to CONNECT to address and returns the proxied
// connection once the proxy reports success.
func (d *SOCKS5Dialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 dial %s %s: unsupported network", network, address)
	}
	conn, err := dialProxy(ctx, d.Proxy, d.Timeout)
	if err != nil {
		return nil, err
	}
	err = handshake(ctx, conn, d.Timeout, func() error {
		if err := d.negotiate(conn); err != nil {
			return err
		}
		return d.connect(conn, address)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5 %s → %s: %w", d.Proxy, address, err)
	}
	return conn, nil
}

// Close is a no-op; every Dial uses its own proxy connection.
func (d *SOCKS5Dialer) Close() error { return nil }

func (d *SOCKS5Dialer) negotiate(conn net.Conn) error {
	methods := []byte{txsocks5.MethodNone}
	if d.User != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if d.User == "" {
			return errors.New("proxy requires username/password")
		}
		req := txsocks5.NewUserPassNegotiationRequest([]byte(d.User), []byte(d.Password))
		if _, err := req.WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return errors.New("proxy rejected credentials")
		}
		return nil
	default:
		return fmt.Errorf("no acceptable auth method (proxy chose %#x)", neg.Method)
	}
}

func (d *SOCKS5Dialer) connect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:] // NewRequest adds the length prefix
	}
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("connect rejected: %s", socks5ReplyText(rep.Rep))
	}
	return nil
}

func socks5ReplyText(code byte) string {
	switch code {
	case txsocks5.RepServerFailure:
		return "general server failure"
	case txsocks5.RepNotAllowed:
		return "not allowed by ruleset"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	}
	return fmt.Sprintf("reply %#x", code)
}

// ── shared proxy helpers ─────────────────────────────────────────────

func dialProxy(ctx context.Context, proxy string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", proxy)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxy, err)
	}
	return conn, nil
}

// handshake runs fn with a deadline on conn derived from timeout and
// ctx.  Cancelling ctx aborts any blocked read or write.  The deadline
// is cleared before returning.
func handshake(ctx context.Context, conn net.Conn, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0)) //nolint:errcheck
	})
	err := fn()
	if !stop() && err != nil {
		err = errors.Join(err, ctx.Err())
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck
	return err
}
