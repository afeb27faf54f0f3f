package testutil

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/txthinking/socks5"
)

// SOCKSProxy is an in-process SOCKS proxy that CONNECTs to whatever the
// client asks for.
type SOCKSProxy struct {
	Addr string

	// Connects counts successful CONNECT requests.
	Connects atomic.Int64
	// LastDest is the most recent CONNECT destination.
	LastDest atomic.Value
	// Refuse makes the proxy reject every CONNECT.
	Refuse atomic.Bool

	ln net.Listener
}

// Close stops accepting new clients.
func (p *SOCKSProxy) Close() error { return p.ln.Close() }

// StartSOCKS5Proxy serves SOCKS5 on loopback.  When user is non-empty
// the client must authenticate with user/pass.
func StartSOCKS5Proxy(t testing.TB, user, pass string) *SOCKSProxy {
	t.Helper()
	return startProxy(t, func(p *SOCKSProxy, c net.Conn) {
		handleSOCKS5(p, c, user, pass)
	})
}

// StartSOCKS4Proxy serves SOCKS4 and SOCKS4a on loopback.
func StartSOCKS4Proxy(t testing.TB) *SOCKSProxy {
	t.Helper()
	return startProxy(t, handleSOCKS4)
}

func startProxy(t testing.TB, handle func(*SOCKSProxy, net.Conn)) *SOCKSProxy {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &SOCKSProxy{Addr: ln.Addr().String(), ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(p, c)
		}
	}()
	return p
}

func handleSOCKS5(p *SOCKSProxy, c net.Conn, user, pass string) {
	defer c.Close()

	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return
	}
	if user == "" {
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return
		}
	} else {
		if _, err := socks5.NewNegotiationReply(socks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return
		}
		urq, err := socks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return
		}
		if string(urq.Uname) != user || string(urq.Passwd) != pass {
			_, _ = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
			return
		}
		if _, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return
		}
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil || req.Cmd != socks5.CmdConnect {
		return
	}
	zero := []byte{0x00, 0x00, 0x00, 0x00}
	if p.Refuse.Load() {
		_, _ = socks5.NewReply(socks5.RepConnectionRefused, socks5.ATYPIPv4, zero, []byte{0x00, 0x00}).WriteTo(c)
		return
	}
	dest := req.Address()
	up, err := net.Dial("tcp", dest)
	if err != nil {
		_, _ = socks5.NewReply(socks5.RepHostUnreachable, socks5.ATYPIPv4, zero, []byte{0x00, 0x00}).WriteTo(c)
		return
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, socks5.ATYPIPv4, zero, []byte{0x00, 0x00}).WriteTo(c); err != nil {
		up.Close()
		return
	}
	p.Connects.Add(1)
	p.LastDest.Store(dest)
	pipe(c, up)
}

func handleSOCKS4(p *SOCKSProxy, c net.Conn) {
	defer c.Close()

	var hdr [8]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return
	}
	if hdr[0] != 0x04 || hdr[1] != 0x01 {
		return
	}
	port := binary.BigEndian.Uint16(hdr[2:4])
	if _, err := readCString(c); err != nil { // USERID
		return
	}
	host := net.IP(hdr[4:8]).String()
	if hdr[4] == 0 && hdr[5] == 0 && hdr[6] == 0 && hdr[7] != 0 {
		h, err := readCString(c)
		if err != nil {
			return
		}
		host = h
	}

	reply := func(code byte) error {
		_, err := c.Write([]byte{0x00, code, 0, 0, 0, 0, 0, 0})
		return err
	}
	if p.Refuse.Load() {
		_ = reply(0x5b)
		return
	}
	dest := net.JoinHostPort(host, strconv.Itoa(int(port)))
	up, err := net.Dial("tcp", dest)
	if err != nil {
		_ = reply(0x5b)
		return
	}
	if err := reply(0x5a); err != nil {
		up.Close()
		return
	}
	p.Connects.Add(1)
	p.LastDest.Store(dest)
	pipe(c, up)
}

func readCString(r io.Reader) (string, error) {
	var out []byte
	var b [1]byte
	for len(out) < 255 {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", io.ErrShortBuffer
}
