package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"
)

// SSHServer is an in-process SSH server.  Exec requests run through
// /bin/sh -c; direct-tcpip channels are dialed for real.
type SSHServer struct {
	Addr     string
	Host     string
	Port     int
	User     string
	Password string
	HostKey  gossh.PublicKey

	// Execs counts exec requests received.
	Execs atomic.Int64
	// Handshakes counts authenticated connections.
	Handshakes atomic.Int64
	// Hang makes exec requests block until the client goes away.
	Hang atomic.Bool
	// DenyForward rejects every direct-tcpip request.
	DenyForward atomic.Bool

	srv *ssh.Server
	ln  net.Listener

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	authorized []gossh.PublicKey
}

// StartSSHServer listens on loopback and accepts user/password.  It is
// shut down when the test ends.
func StartSSHServer(t testing.TB, user, password string) *SSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &SSHServer{
		Addr:     ln.Addr().String(),
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		User:     user,
		Password: password,
		HostKey:  signer.PublicKey(),
		ln:       ln,
		conns:    make(map[net.Conn]struct{}),
	}
	s.srv = &ssh.Server{
		Handler: s.handleSession,
		PasswordHandler: func(ctx ssh.Context, pw string) bool {
			ok := ctx.User() == s.User && pw == s.Password
			if ok {
				s.Handshakes.Add(1)
			}
			return ok
		},
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			ok := ctx.User() == s.User && s.isAuthorized(key)
			if ok {
				s.Handshakes.Add(1)
			}
			return ok
		},
		LocalPortForwardingCallback: func(ctx ssh.Context, host string, port uint32) bool {
			return !s.DenyForward.Load()
		},
		ChannelHandlers: map[string]ssh.ChannelHandler{
			"session":      ssh.DefaultSessionHandler,
			"direct-tcpip": ssh.DirectTCPIPHandler,
		},
		ConnCallback: func(ctx ssh.Context, conn net.Conn) net.Conn {
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()
			return conn
		},
	}
	s.srv.AddHostKey(signer)

	go func() {
		_ = s.srv.Serve(ln)
	}()
	t.Cleanup(func() { _ = s.srv.Close() })
	return s
}

// Authorize lets key log in as the server's user.
func (s *SSHServer) Authorize(key gossh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = append(s.authorized, key)
}

func (s *SSHServer) isAuthorized(key ssh.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.authorized {
		if ssh.KeysEqual(k, key) {
			return true
		}
	}
	return false
}

// DropConnections closes every client TCP connection without an SSH
// disconnect message, as a network failure would.
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

// Close stops the server and drops all clients.
func (s *SSHServer) Close() error {
	s.DropConnections()
	return s.srv.Close()
}

func (s *SSHServer) handleSession(sess ssh.Session) {
	s.Execs.Add(1)
	if s.Hang.Load() {
		<-sess.Context().Done()
		return
	}

	cmd := exec.CommandContext(sess.Context(), "/bin/sh", "-c", sess.RawCommand())
	cmd.Stdout = sess
	cmd.Stderr = sess.Stderr()
	err := cmd.Run()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = 255
	}
	_ = sess.Exit(code)
}
