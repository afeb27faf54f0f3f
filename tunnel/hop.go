package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	ncerr "sshtunnel/internal/errors"
	"sshtunnel/internal/transport"
	"sshtunnel/util"
)

// hopConnector dials the SSH server through the configured proxy.
// Concurrent connects share one dial.  The connection it hands out
// resets the hop state when closed, which happens when the SSH client
// running over it is closed.
type hopConnector struct {
	cfg     *transport.HopConfig
	dialer  transport.Dialer
	dest    string // SSH server host:port
	timeout time.Duration
	logger  *util.Logger

	sf singleflight.Group

	mu    sync.Mutex
	state State
	conn  *hopConn
}

func newHopConnector(cfg *transport.HopConfig, dialer transport.Dialer, dest string, timeout time.Duration, logger *util.Logger) *hopConnector {
	return &hopConnector{
		cfg:     cfg,
		dialer:  dialer,
		dest:    dest,
		timeout: timeout,
		logger:  logger,
		state:   StateInit,
	}
}

// connect returns a fresh proxied connection to the SSH server.  The
// dial runs detached from ctx, bounded by the hop timeout.
func (h *hopConnector) connect(ctx context.Context) (net.Conn, error) {
	ch := h.sf.DoChan("hop", func() (any, error) {
		h.mu.Lock()
		h.state = StateConnecting
		h.mu.Unlock()

		dctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		raw, err := h.dialer.Dial(dctx, "tcp", h.dest)
		if err != nil {
			h.mu.Lock()
			h.state = StateClosed
			h.mu.Unlock()
			return nil, ncerr.WrapHop(h.cfg.Addr(), h.dest, err)
		}

		c := &hopConn{Conn: raw}
		c.onClose = func() { h.closed(c) }

		h.mu.Lock()
		h.conn = c
		h.state = StateReady
		h.mu.Unlock()
		h.logger.Verbose("proxy hop %s connected to %s", h.cfg, h.dest)
		return c, nil
	})

	select {
	case <-ctx.Done():
		// Nobody else waits on this dial; drop the socket if it lands.
		go func() {
			if res := <-ch; res.Err == nil {
				res.Val.(net.Conn).Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(net.Conn), nil
	}
}

func (h *hopConnector) closed(c *hopConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == c {
		h.conn = nil
		h.state = StateClosed
	}
}

// release closes the current hop connection, if any.
func (h *hopConnector) release() {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (h *hopConnector) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// hopConn notifies its connector once when closed.
type hopConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *hopConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}
