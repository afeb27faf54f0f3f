package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	ncerr "sshtunnel/internal/errors"
)

// HopConfig describes the SOCKS proxy the SSH connection is routed
// through.
type HopConfig struct {
	Version  int // 4 or 5
	Host     string
	Port     int
	User     string
	Password string
}

// Addr returns the proxy's host:port.
func (h *HopConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// String renders the hop in spec form with the password redacted.
func (h *HopConfig) String() string {
	u := url.URL{Scheme: fmt.Sprintf("socks%d", h.Version), Host: h.Addr()}
	switch {
	case h.User != "" && h.Password != "":
		u.User = url.UserPassword(h.User, "xxxxx")
	case h.User != "":
		u.User = url.User(h.User)
	}
	return u.String()
}

// ParseHopSpec parses "socks<N>://[user[:password]@]host:port" where N
// is 4 or 5.  Every malformed spec yields a *errors.ConfigError.
func ParseHopSpec(spec string) (*HopConfig, error) {
	bad := func(value interface{}, msg string) error {
		return &ncerr.ConfigError{
			Field:   "hop",
			Value:   value,
			Message: msg,
			Hint:    "expected socks4://host:port or socks5://[user[:password]@]host:port",
		}
	}

	u, err := url.Parse(spec)
	if err != nil {
		// url.Error embeds the raw input, which may carry a password.
		return nil, bad(nil, "not a URL")
	}
	shown := u.Redacted()

	var version int
	switch strings.ToLower(u.Scheme) {
	case "socks4":
		version = 4
	case "socks5":
		version = 5
	default:
		return nil, bad(shown, fmt.Sprintf("unsupported proxy type %q", u.Scheme))
	}
	if u.Opaque != "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return nil, bad(shown, "unexpected path or query")
	}

	host := u.Hostname()
	if host == "" {
		return nil, bad(shown, "proxy host is required")
	}
	portStr := u.Port()
	if portStr == "" {
		return nil, bad(shown, "proxy port is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, bad(shown, fmt.Sprintf("invalid proxy port %q", portStr))
	}

	hop := &HopConfig{Version: version, Host: host, Port: port}
	if u.User != nil {
		hop.User = u.User.Username()
		hop.Password, _ = u.User.Password()
		if hop.User == "" {
			return nil, bad(shown, "empty proxy user")
		}
	}
	return hop, nil
}

// NewHopDialer returns a Dialer that reaches its destination through
// the proxy described by cfg.  timeout bounds the whole proxy dial and
// handshake.
func NewHopDialer(cfg *HopConfig, timeout time.Duration) Dialer {
	if cfg.Version == 4 {
		return &SOCKS4Dialer{Proxy: cfg.Addr(), User: cfg.User, Timeout: timeout}
	}
	return &SOCKS5Dialer{Proxy: cfg.Addr(), User: cfg.User, Password: cfg.Password, Timeout: timeout}
}
