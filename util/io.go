package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// closeWriter is implemented by *net.TCPConn, *net.UnixConn and SSH
// channels.
type closeWriter interface {
	CloseWrite() error
}

// Splice shuffles data between a and b until both directions reach EOF
// or ctx is cancelled.  EOF on one side is propagated to the other as a
// half-close when the peer supports it; otherwise both connections are
// torn down.  Both connections are closed on return.
func Splice(ctx context.Context, a, b net.Conn) (aToB, bToA int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closed atomic.Bool
	closeBoth := func() {
		if closed.CompareAndSwap(false, true) {
			a.Close()
			b.Close()
		}
	}
	defer closeBoth()

	// Unblock pending reads/writes when the caller gives up.
	go func() {
		<-ctx.Done()
		closeBoth()
	}()

	var g errgroup.Group
	g.Go(func() error {
		n, err := copyHalf(b, a)
		aToB = n
		if err != nil {
			closeBoth()
		}
		return err
	})
	g.Go(func() error {
		n, err := copyHalf(a, b)
		bToA = n
		if err != nil {
			closeBoth()
		}
		return err
	})
	err = g.Wait()

	if err != nil && (isHarmless(err) || closed.Load()) {
		err = nil
	}
	return aToB, bToA, err
}

// copyHalf copies src → dst with a pooled buffer, then signals EOF to
// dst.  A nil error means src ended cleanly and dst was half-closed.
func copyHalf(dst, src net.Conn) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)

	n, err := io.CopyBuffer(dst, src, *buf)
	if err != nil {
		return n, err
	}
	cw, ok := dst.(closeWriter)
	if !ok {
		return n, errNoHalfClose
	}
	if err := cw.CloseWrite(); err != nil {
		return n, err
	}
	return n, nil
}

var errNoHalfClose = errors.New("half-close not supported")

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, errNoHalfClose) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
