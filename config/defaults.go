package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalAddress is the address forward listeners bind to.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultKeepAliveInterval is how often the keeper probes the session.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultConnTimeout bounds one connect attempt: hop, SSH
	// handshake and the first probe.
	DefaultConnTimeout = 30 * time.Second

	// DefaultHopTimeout bounds the SOCKS dial to the SSH host.
	DefaultHopTimeout = 10 * time.Second

	// DefaultReadyTimeout bounds the SSH handshake.
	DefaultReadyTimeout = 10 * time.Second

	// DefaultProbeTimeout is how long the liveness "echo" may take
	// before the transport is considered wedged.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultProbeCooldown is how long a probe result is reused.
	DefaultProbeCooldown = 3 * time.Second

	// DefaultMaxReconnectBackoff caps the exponential backoff between
	// reconnection attempts.
	DefaultMaxReconnectBackoff = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for Close.
	DefaultGracePeriod = 5 * time.Second
)
