package tunnel

import (
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
	"sshtunnel/util"
)

// Direction of a forward.  Only local-to-remote is supported.
type Direction string

const DirectionOut Direction = "out"

// ForwardSpec asks for a local listener whose connections are carried
// to DestHost:DestPort as seen from the SSH server.  LocalPort is a
// hint; the next free port at or above it is used.  Zero picks any.
type ForwardSpec struct {
	ID        string
	LocalPort int
	DestHost  string
	DestPort  int
}

func (f ForwardSpec) String() string {
	return fmt.Sprintf("%d:%s:%d", f.LocalPort, f.DestHost, f.DestPort)
}

// ParseForward parses "localPort:destHost:destPort".  IPv6 destinations
// are written in brackets.  An empty id defaults to spec itself.
func ParseForward(spec, id string) (ForwardSpec, error) {
	bad := func(msg string) (ForwardSpec, error) {
		return ForwardSpec{}, &ncerr.ConfigError{
			Field:   "local",
			Value:   spec,
			Message: msg,
			Hint:    "use localPort:destHost:destPort, e.g. 8080:localhost:80",
		}
	}

	first := strings.Index(spec, ":")
	last := strings.LastIndex(spec, ":")
	if first < 0 || first == last {
		return bad("expected three colon-separated fields")
	}
	local, host, dest := spec[:first], spec[first+1:last], spec[last+1:]

	lp, err := strconv.Atoi(local)
	if err != nil || lp < 0 || lp > util.MaxPort {
		return bad("invalid local port")
	}
	dp, err := strconv.Atoi(dest)
	if err != nil || dp < 1 || dp > util.MaxPort {
		return bad("invalid destination port")
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" || strings.ContainsAny(host, "[]") {
		return bad("invalid destination host")
	}

	if id == "" {
		id = spec
	}
	return ForwardSpec{ID: id, LocalPort: lp, DestHost: host, DestPort: dp}, nil
}

// Forward describes a listening forward.
type Forward struct {
	ID        string
	LocalAddr string // bound listener address
	LocalPort int
	DestHost  string
	DestPort  int
	Direction Direction
}

// Dest returns host:port of the remote destination.
func (f Forward) Dest() string {
	return util.FormatAddr(f.DestHost, f.DestPort)
}

type forward struct {
	Forward
	ln net.Listener
}

// forwardRegistry holds forwards by ID.  An ID is reserved before its
// listener is bound so that concurrent adds of one ID cannot both
// succeed.
type forwardRegistry struct {
	mu      sync.Mutex
	entries map[string]*forward // nil value: reserved, not yet bound
	order   []string
	closed  bool
}

func newForwardRegistry() *forwardRegistry {
	return &forwardRegistry{entries: make(map[string]*forward)}
}

func (r *forwardRegistry) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ncerr.ErrSessionClosed
	}
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %q", ncerr.ErrDuplicateForward, id)
	}
	r.entries[id] = nil
	r.order = append(r.order, id)
	return nil
}

// commit installs f under its reserved ID.  It fails if the registry
// was closed or the reservation dropped meanwhile.
func (r *forwardRegistry) commit(f *forward) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ncerr.ErrSessionClosed
	}
	if cur, ok := r.entries[f.ID]; !ok || cur != nil {
		return fmt.Errorf("%w: %q", ncerr.ErrForwardNotFound, f.ID)
	}
	r.entries[f.ID] = f
	return nil
}

// remove drops a bound entry and returns it.  A reservation whose
// listener is still being set up is left alone and reported as absent.
func (r *forwardRegistry) remove(id string) (*forward, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.entries[id]
	if f == nil {
		return nil, false
	}
	r.dropLocked(id)
	return f, true
}

// release gives up a reservation that never got a listener.
func (r *forwardRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.entries[id]; ok && f == nil {
		r.dropLocked(id)
	}
}

func (r *forwardRegistry) dropLocked(id string) {
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// removeAll empties the registry for good and returns the bound
// entries.
func (r *forwardRegistry) removeAll() []*forward {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var out []*forward
	for _, id := range r.order {
		if f := r.entries[id]; f != nil {
			out = append(out, f)
		}
	}
	r.entries = make(map[string]*forward)
	r.order = nil
	return out
}

func (r *forwardRegistry) list() []Forward {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Forward, 0, len(r.order))
	for _, id := range r.order {
		if f := r.entries[id]; f != nil {
			out = append(out, f.Forward)
		}
	}
	return out
}

// AddForward connects if needed, binds a local listener for spec and
// starts accepting.  The ID must not belong to another listening
// forward.
func (s *Session) AddForward(ctx context.Context, spec ForwardSpec) (Forward, error) {
	if spec.ID == "" {
		spec.ID = spec.String()
	}
	if err := s.forwards.reserve(spec.ID); err != nil {
		return Forward{}, err
	}
	f, err := s.bindForward(ctx, spec)
	if err != nil {
		s.forwards.release(spec.ID)
		return Forward{}, err
	}
	if err := s.forwards.commit(f); err != nil {
		f.ln.Close()
		return Forward{}, err
	}

	s.metrics.ForwardOpened()
	s.logger.Info("proxy server listening on %s => %s", f.LocalAddr, f.Dest())
	s.logger.Debug("equivalent command: %s", s.sshCommand(f.Forward))

	s.wg.Add(1)
	go s.serve(f)
	return f.Forward, nil
}

func (s *Session) bindForward(ctx context.Context, spec ForwardSpec) (*forward, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	port, err := util.FindAvailablePort(spec.LocalPort)
	if err != nil {
		return nil, err
	}
	addr := util.FormatAddr(s.cfg.BindAddress, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("listen", addr, err)
	}
	return &forward{
		Forward: Forward{
			ID:        spec.ID,
			LocalAddr: ln.Addr().String(),
			LocalPort: ln.Addr().(*net.TCPAddr).Port,
			DestHost:  spec.DestHost,
			DestPort:  spec.DestPort,
			Direction: DirectionOut,
		},
		ln: ln,
	}, nil
}

// AddForwards adds specs one after another, stopping at the first
// failure.  The forwards added before it are returned with the error.
func (s *Session) AddForwards(ctx context.Context, specs []ForwardSpec) ([]Forward, error) {
	out := make([]Forward, 0, len(specs))
	for _, spec := range specs {
		f, err := s.AddForward(ctx, spec)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

// RemoveForward stops listening for id.  Connections already accepted
// keep flowing until either end closes them.  An id whose AddForward
// has not finished yet is reported as not found and left reserved.
func (s *Session) RemoveForward(id string) error {
	f, ok := s.forwards.remove(id)
	if !ok {
		return fmt.Errorf("%w: %q", ncerr.ErrForwardNotFound, id)
	}
	s.metrics.ForwardClosed()
	s.logger.Info("forward %s on %s closed", id, f.LocalAddr)
	if err := f.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Forwards lists listening forwards in the order they were added.
func (s *Session) Forwards() []Forward {
	return s.forwards.list()
}

func (s *Session) serve(f *forward) {
	defer s.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if ncerr.IsRetryable(err) {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("forward %s accept: %v", f.ID, err)
				s.metrics.RecordError(fmt.Sprintf("accept %s: %v", f.LocalAddr, err))
			}
			return
		}
		s.logger.Verbose("forward %s: connection from %s", f.ID, conn.RemoteAddr())
		s.metrics.ConnectionOpened()
		s.wg.Add(1)
		go s.handleConn(f.Forward, conn)
	}
}

// handleConn carries one local connection over a forward-out channel.
// Failures affect only this connection.
func (s *Session) handleConn(f Forward, local net.Conn) {
	defer s.wg.Done()
	defer s.metrics.ConnectionClosed()
	defer local.Close()

	start := time.Now()
	t, err := s.ready(s.ctx)
	if err != nil {
		s.logger.Error("forward %s: %v", f.ID, err)
		s.metrics.RecordError(fmt.Sprintf("forward %s: %v", f.ID, err))
		return
	}

	remote, err := t.ForwardOut(s.ctx, f.DestHost, f.DestPort)
	if err != nil {
		fe := &ncerr.ForwardError{Dest: f.Dest(), Refused: isRefused(err), Err: err}
		s.logger.Error("%v", fe)
		if fe.Refused {
			s.logger.Warn("hint: nothing accepted %s on the remote side; check that the destination port is open there", f.Dest())
		}
		s.metrics.RecordError(fe.Error())
		return
	}
	defer remote.Close()

	out, in, err := util.Splice(s.ctx, local, remote)
	s.metrics.BytesSent(out)
	s.metrics.BytesReceived(in)
	if err != nil {
		s.logger.Verbose("forward %s: %v", f.ID, err)
	}
	s.logger.Verbose("forward %s: %s closed after %v (out=%d in=%d)",
		f.ID, local.RemoteAddr(), time.Since(start).Truncate(time.Millisecond), out, in)
}

// isRefused reports whether the remote side could not reach the
// destination.
func isRefused(err error) bool {
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) && oce.Reason == ssh.ConnectionFailed {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}
