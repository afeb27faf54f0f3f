// Package config defines the runtime configuration for sshtunnel and
// provides helpers for parsing SSH target specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	ncerr "sshtunnel/internal/errors"
	"sshtunnel/internal/transport"
)

// Config holds every tuneable for a single sshtunnel session.
type Config struct {
	// ── SSH target ───────────────────────────────────────────────────
	TunnelSpec     string `toml:"target"` // raw user@host[:port]
	TunnelUser     string `toml:"-"`
	TunnelHost     string `toml:"-"`
	TunnelPort     int    `toml:"-"`
	SSHKeyPath     string `toml:"identity_file"`
	SSHPassword    bool   `toml:"password_prompt"` // true → prompt interactively
	UseSSHAgent    bool   `toml:"agent"`
	StrictHostKey  bool   `toml:"strict_host_key"`
	KnownHostsPath string `toml:"known_hosts"`

	// ── Proxy hop ────────────────────────────────────────────────────
	HopSpec string               `toml:"hop"` // socks<N>://[user[:password]@]host:port
	Hop     *transport.HopConfig `toml:"-"`   // parsed by Validate

	// ── Forwards ─────────────────────────────────────────────────────
	Forwards    []string `toml:"forwards"`    // localPortHint:destHost:destPort
	ForwardIDs  []string `toml:"forward_ids"` // optional, matched by position
	BindAddress string   `toml:"bind_address"`

	// ── Execution ────────────────────────────────────────────────────
	Commands []string `toml:"commands"`

	// ── Timing ───────────────────────────────────────────────────────
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	ProbeTimeout   time.Duration `toml:"probe_timeout"`
	ProbeCooldown  time.Duration `toml:"probe_cooldown"`
	KeepAlive      time.Duration `toml:"keepalive"` // 0 disables the keeper

	// ── Output ───────────────────────────────────────────────────────
	MetricsListen string `toml:"metrics_listen"`
	Verbose       int    `toml:"verbose"`
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		BindAddress:    DefaultLocalAddress,
		ConnectTimeout: DefaultConnTimeout,
		ProbeTimeout:   DefaultProbeTimeout,
		ProbeCooldown:  DefaultProbeCooldown,
		KeepAlive:      DefaultKeepAliveInterval,
		Verbose:        1,
	}
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid ssh target %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid ssh port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("ssh host is required")
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.  It
// fills TunnelUser/TunnelHost/TunnelPort from TunnelSpec and parses the
// hop spec so a malformed hop is reported before any dialing.
func (c *Config) Validate() error {
	if c.TunnelSpec == "" {
		return &ncerr.ConfigError{
			Field:   "target",
			Message: "ssh target is required",
			Hint:    "pass user@host[:port] as the first argument",
		}
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{Field: "target", Value: c.TunnelSpec, Message: err.Error()}
	}
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	if c.TunnelUser == "" {
		return &ncerr.ConfigError{
			Field:   "target",
			Value:   c.TunnelSpec,
			Message: "ssh user is required",
			Hint:    "use user@" + c.TunnelHost,
		}
	}

	if c.HopSpec != "" {
		hop, err := transport.ParseHopSpec(c.HopSpec)
		if err != nil {
			return err
		}
		c.Hop = hop
	}

	if len(c.ForwardIDs) > len(c.Forwards) {
		return &ncerr.ConfigError{
			Field:   "forward-id",
			Value:   len(c.ForwardIDs),
			Message: fmt.Sprintf("more ids than forwards (%d)", len(c.Forwards)),
			Hint:    "give one --forward-id per -L, in the same order",
		}
	}

	if len(c.Forwards) == 0 && len(c.Commands) == 0 {
		return &ncerr.ConfigError{
			Field:   "local",
			Message: "nothing to do",
			Hint:    "add -L localPort:destHost:destPort or -c <command>",
		}
	}

	if c.ProbeTimeout < 0 || c.ProbeCooldown < 0 || c.ConnectTimeout < 0 || c.KeepAlive < 0 {
		return &ncerr.ConfigError{Field: "timeout", Message: "durations must not be negative"}
	}
	return nil
}

// ForwardID returns the caller-chosen ID for the i-th forward, or ""
// when none was given.
func (c *Config) ForwardID(i int) string {
	if i < len(c.ForwardIDs) {
		return c.ForwardIDs[i]
	}
	return ""
}
