package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sshtunnel/internal/metrics"
	"sshtunnel/util"
)

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport answers every command with "1\n" and dials forward-out
// destinations directly.
type fakeTransport struct {
	execs atomic.Int64

	// wedged makes Exec block until ctx is done.
	wedged atomic.Bool
	// execFn, when set, replaces the default Exec behaviour.
	execFn func(ctx context.Context, cmd string) ([]byte, []byte, error)
	// forwardErr, when set, is returned by ForwardOut.
	forwardErr error

	conn      net.Conn // hop connection the transport was dialed over
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (f *fakeTransport) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	f.execs.Add(1)
	select {
	case <-f.closed:
		return nil, nil, errFakeClosed
	default:
	}
	if f.wedged.Load() {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-f.closed:
			return nil, nil, errFakeClosed
		}
	}
	if f.execFn != nil {
		return f.execFn(ctx, cmd)
	}
	return []byte("1\n"), nil, nil
}

func (f *fakeTransport) ForwardOut(ctx context.Context, host string, port int) (net.Conn, error) {
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func (f *fakeTransport) Wait() error {
	<-f.closed
	return io.EOF
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		if f.conn != nil {
			f.conn.Close()
		}
	})
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeTransports.
type fakeDialer struct {
	dials atomic.Int64
	delay time.Duration
	err   error
	setup func(*fakeTransport) // applied to each new transport

	mu  sync.Mutex
	all []*fakeTransport
}

func (d *fakeDialer) DialTransport(ctx context.Context, conn net.Conn) (Transport, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, d.err
	}
	t := newFakeTransport()
	t.conn = conn
	if d.setup != nil {
		d.setup(t)
	}
	d.mu.Lock()
	d.all = append(d.all, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.all) == 0 {
		return nil
	}
	return d.all[len(d.all)-1]
}

// fakeHopDialer returns one end of a pipe per dial.
type fakeHopDialer struct {
	dials  atomic.Int64
	closed atomic.Int64 // dialed conns since closed by the session
	delay  time.Duration
	err    error
}

func (d *fakeHopDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	a, b := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, b)
		b.Close()
		d.closed.Add(1)
	}()
	return a, nil
}

func (d *fakeHopDialer) Close() error { return nil }

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// newFakeSession builds a Session over d.  mod may adjust the config.
func newFakeSession(t *testing.T, d *fakeDialer, mod func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		SSH:          &SSHConfig{User: "deploy", Host: "gw.example.com", Port: 22},
		Dialer:       d,
		ProbeTimeout: 200 * time.Millisecond,
		GracePeriod:  time.Second,
		Logger:       quietLogger(),
		Metrics:      metrics.New(),
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
