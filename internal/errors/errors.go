// Package errors provides domain-specific error types for sshtunnel.
//
// These types carry structured context (stage, address, command) that
// helps callers decide how to handle failures: whether a connect attempt
// is worth retrying, whether a forward was refused by the remote side,
// or whether a command wrote to its error stream.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("not connected")
	ErrSessionClosed    = errors.New("session is closed")
	ErrProbeTimeout     = errors.New("liveness probe failed")
	ErrDuplicateForward = errors.New("forward id is already listening")
	ErrForwardNotFound  = errors.New("forward not found")
	ErrPortExhausted    = errors.New("no available local port")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHostKeyMismatch  = errors.New("host key mismatch")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a local socket operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents a transport failure with host context.
type SSHError struct {
	Op   string // "dial", "handshake", "auth", "hostkey", "closed"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// HopError represents a failure to reach the SSH host through the
// configured proxy hop.
type HopError struct {
	Proxy string // proxy address (host:port)
	Dest  string // destination requested from the proxy
	Err   error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("proxy hop %s → %s: %v", e.Proxy, e.Dest, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// ExecError reports a remote command that wrote to its error stream.
type ExecError struct {
	Command string
	Stderr  string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %q: %s", e.Command, e.Stderr)
}

// ForwardError reports a forward-out channel the remote side would not
// open.  Only the one local connection is affected.
type ForwardError struct {
	Dest    string
	Refused bool // remote reported connection refused
	Err     error
}

func (e *ForwardError) Error() string {
	if e.Refused {
		return fmt.Sprintf("forward to %s refused: %v", e.Dest, e.Err)
	}
	return fmt.Sprintf("forward to %s: %v", e.Dest, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// WrapHop creates a HopError.
func WrapHop(proxy, dest string, err error) *HopError {
	return &HopError{Proxy: proxy, Dest: dest, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsConnectFailure reports whether err came from establishing the
// session (hop, transport, or the post-connect probe).  These are the
// failures the reconnect loop recovers from.
func IsConnectFailure(err error) bool {
	var se *SSHError
	var he *HopError
	return errors.As(err, &se) || errors.As(err, &he) || errors.Is(err, ErrProbeTimeout)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use sshtunnel/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
