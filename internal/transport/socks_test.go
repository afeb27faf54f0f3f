package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"sshtunnel/internal/testutil"
)

func TestSOCKS5Dialer(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())

	tests := []struct {
		name       string
		proxyUser  string
		proxyPass  string
		dialerUser string
		dialerPass string
		wantErr    string
	}{
		{name: "no auth"},
		{name: "user/pass", proxyUser: "alice", proxyPass: "pw", dialerUser: "alice", dialerPass: "pw"},
		{name: "bad password", proxyUser: "alice", proxyPass: "pw", dialerUser: "alice", dialerPass: "nope", wantErr: "credentials"},
		{name: "auth required", proxyUser: "alice", proxyPass: "pw", wantErr: "requires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := testutil.StartSOCKS5Proxy(t, tt.proxyUser, tt.proxyPass)
			d := &SOCKS5Dialer{Proxy: proxy.Addr, User: tt.dialerUser, Password: tt.dialerPass, Timeout: 2 * time.Second}

			conn, err := d.Dial(context.Background(), "tcp", echo.Addr().String())
			if tt.wantErr != "" {
				if err == nil {
					conn.Close()
					t.Fatal("expected error")
				}
				if !strings.Contains(strings.ToLower(err.Error()), tt.wantErr) {
					t.Errorf("err = %v, want it to mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			testutil.AssertEcho(t, conn, conn, []byte("socks5 payload"))
			if got := proxy.Connects.Load(); got != 1 {
				t.Errorf("connects = %d", got)
			}
		})
	}
}

func TestSOCKS5Dialer_DomainDestination(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	proxy := testutil.StartSOCKS5Proxy(t, "", "")
	port := echo.Addr().(*net.TCPAddr).Port

	d := &SOCKS5Dialer{Proxy: proxy.Addr, Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		t.Skipf("localhost does not resolve to the echo server here: %v", err)
	}
	defer conn.Close()
	testutil.AssertEcho(t, conn, conn, []byte("by name"))
	if got, _ := proxy.LastDest.Load().(string); !strings.HasPrefix(got, "localhost:") {
		t.Errorf("proxy saw %q, want the hostname", got)
	}
}

func TestSOCKS5Dialer_Refused(t *testing.T) {
	proxy := testutil.StartSOCKS5Proxy(t, "", "")
	proxy.Refuse.Store(true)

	d := &SOCKS5Dialer{Proxy: proxy.Addr, Timeout: 2 * time.Second}
	_, err := d.Dial(context.Background(), "tcp", "127.0.0.1:22")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("err = %v", err)
	}
}

func TestSOCKS5Dialer_StuckProxyHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(io.Discard, c) // never answer
	}()

	d := &SOCKS5Dialer{Proxy: ln.Addr().String(), Timeout: 10 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := d.Dial(ctx, "tcp", "127.0.0.1:22"); err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("dial took %v, context was ignored", elapsed)
	}
}

func TestSOCKS4Dialer(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	proxy := testutil.StartSOCKS4Proxy(t)

	d := &SOCKS4Dialer{Proxy: proxy.Addr, User: "bob", Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	testutil.AssertEcho(t, conn, conn, []byte("socks4 payload"))
	if got, _ := proxy.LastDest.Load().(string); got != echo.Addr().String() {
		t.Errorf("proxy dest = %q", got)
	}
}

func TestSOCKS4Dialer_Rejected(t *testing.T) {
	proxy := testutil.StartSOCKS4Proxy(t)
	proxy.Refuse.Store(true)

	d := &SOCKS4Dialer{Proxy: proxy.Addr, Timeout: 2 * time.Second}
	_, err := d.Dial(context.Background(), "tcp", "127.0.0.1:22")
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("err = %v, want rejection", err)
	}
}

func TestSOCKS4Request(t *testing.T) {
	tests := []struct {
		name    string
		address string
		user    string
		want    []byte
		wantErr bool
	}{
		{
			name:    "ipv4",
			address: "10.1.2.3:22",
			user:    "bob",
			want:    []byte{0x04, 0x01, 0x00, 0x16, 10, 1, 2, 3, 'b', 'o', 'b', 0},
		},
		{
			name:    "socks4a hostname",
			address: "gw:2222",
			want:    []byte{0x04, 0x01, 0x08, 0xae, 0, 0, 0, 1, 0, 'g', 'w', 0},
		},
		{name: "ipv6", address: "[::1]:22", wantErr: true},
		{name: "bad port", address: "gw:0", wantErr: true},
		{name: "no port", address: "gw", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := socks4Request(tt.address, tt.user)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got % x", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % x\nwant % x", got, tt.want)
			}
		})
	}
}

func TestDialers_RejectUDP(t *testing.T) {
	for _, d := range []Dialer{&SOCKS4Dialer{Proxy: "p:1"}, &SOCKS5Dialer{Proxy: "p:1"}} {
		if _, err := d.Dial(context.Background(), "udp", "127.0.0.1:53"); err == nil {
			t.Errorf("%T accepted udp", d)
		}
	}
}
