package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "sshtunnel/internal/errors"
	"sshtunnel/internal/transport"
	"sshtunnel/util"
)

// SSHConfig holds everything needed to dial an SSH server.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // non-interactive password auth
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	HostKey       ssh.PublicKey // pinned host key; overrides known_hosts

	ConnTimeout  time.Duration // TCP dial when there is no hop
	ReadyTimeout time.Duration // SSH handshake
}

// Addr returns host:port of the SSH server.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHDialer implements [TransportDialer] with golang.org/x/crypto/ssh.
// Auth methods are assembled once, on first use, so an interactive
// password or passphrase is asked for only once per process.
type SSHDialer struct {
	config *SSHConfig
	logger *util.Logger
	direct transport.Dialer

	authOnce sync.Once
	auth     []ssh.AuthMethod
	hostKey  ssh.HostKeyCallback
	authErr  error
}

const (
	defaultSSHPort = 22
	tcpKeepAlive   = 15 * time.Second
)

// NewSSHDialer returns a dialer for a copy of cfg.  Zero ports and
// timeouts get defaults; cfg itself is left as given.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger) *SSHDialer {
	c := *cfg
	if c.Port == 0 {
		c.Port = defaultSSHPort
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = 30 * time.Second
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	return &SSHDialer{
		config: &c,
		logger: logger,
		direct: &transport.TCPDialer{Timeout: c.ConnTimeout, KeepAlive: tcpKeepAlive},
	}
}

func (d *SSHDialer) prepare() error {
	d.authOnce.Do(func() {
		d.auth, d.authErr = BuildAuthMethods(d.config)
		if d.authErr != nil {
			d.authErr = ncerr.WrapSSH("auth", d.config.Host, d.config.Port, d.authErr)
			return
		}
		d.hostKey, d.authErr = hostKeyCallback(d.config, d.logger)
		if d.authErr != nil {
			d.authErr = ncerr.WrapSSH("hostkey", d.config.Host, d.config.Port, d.authErr)
		}
	})
	return d.authErr
}

// DialTransport completes an SSH handshake over conn, or over a fresh
// TCP connection to the server when conn is nil.  conn is closed on
// failure.
func (d *SSHDialer) DialTransport(ctx context.Context, conn net.Conn) (Transport, error) {
	if err := d.prepare(); err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}

	cfg := d.config
	addr := cfg.Addr()
	if conn == nil {
		d.logger.Debug("SSH: dialing %s as %s", addr, cfg.User)
		c, err := d.direct.Dial(ctx, "tcp", addr)
		if err != nil {
			return nil, ncerr.WrapSSH("dial", cfg.Host, cfg.Port, err)
		}
		conn = c
	}

	// Close conn if ctx is canceled during handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            d.auth,
		HostKeyCallback: d.hostKey,
		Timeout:         cfg.ReadyTimeout,
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.ReadyTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, ncerr.WrapSSH(handshakeOp(err), cfg.Host, cfg.Port, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// handshakeOp names the handshake stage that failed.
func handshakeOp(err error) string {
	switch {
	case errors.Is(err, ncerr.ErrHostKeyMismatch):
		return "hostkey"
	case strings.Contains(err.Error(), "unable to authenticate"):
		return "auth"
	}
	return "handshake"
}

// sshTransport is a [Transport] backed by *ssh.Client.
type sshTransport struct {
	client *ssh.Client
}

// Exec runs cmd and collects its output.  Cancelling ctx closes the
// session channel and returns ctx.Err(); the channel open itself also
// runs in the background so a wedged connection cannot block the
// caller past ctx.
func (t *sshTransport) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	type result struct {
		stdout, stderr []byte
		err            error
	}
	done := make(chan result, 1)

	go func() {
		sess, err := t.client.NewSession()
		if err != nil {
			done <- result{err: fmt.Errorf("open session: %w", err)}
			return
		}
		defer sess.Close()
		stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
		defer stop()

		var stdout, stderr bytes.Buffer
		sess.Stdout = &stdout
		sess.Stderr = &stderr

		err = sess.Run(cmd)
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		if err != nil && !errors.As(err, &exitErr) && !errors.As(err, &missing) {
			done <- result{err: err}
			return
		}
		done <- result{stdout: stdout.Bytes(), stderr: stderr.Bytes()}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case r := <-done:
		return r.stdout, r.stderr, r.err
	}
}

// ForwardOut opens a direct-tcpip channel.  The returned conn supports
// CloseWrite.
func (t *sshTransport) ForwardOut(ctx context.Context, host string, port int) (net.Conn, error) {
	return t.client.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func (t *sshTransport) Wait() error  { return t.client.Wait() }
func (t *sshTransport) Close() error { return t.client.Close() }
