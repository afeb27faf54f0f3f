package config

// loader.go - configuration loading from a TOML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoadFile overlays the TOML file at path onto cfg.  Keys absent from
// the file leave cfg untouched.  Unknown keys are rejected so typos do
// not silently fall back to defaults.
func LoadFile(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("parsing config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SSHTUNNEL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  List values are
// comma-separated.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SSHTUNNEL_TARGET"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("SSHTUNNEL_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SSHTUNNEL_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SSHTUNNEL_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("SSHTUNNEL_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("SSHTUNNEL_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Proxy hop
	if v := os.Getenv("SSHTUNNEL_HOP"); v != "" {
		cfg.HopSpec = v
	}

	// Forwards
	if v := envList("SSHTUNNEL_FORWARDS"); v != nil {
		cfg.Forwards = v
	}
	if v := envList("SSHTUNNEL_FORWARD_IDS"); v != nil {
		cfg.ForwardIDs = v
	}
	if v := os.Getenv("SSHTUNNEL_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}

	// Timing (seconds)
	if v := envInt("SSHTUNNEL_CONNECT_TIMEOUT"); v > 0 {
		cfg.ConnectTimeout = secondsDuration(v)
	}
	if v := envInt("SSHTUNNEL_PROBE_TIMEOUT"); v > 0 {
		cfg.ProbeTimeout = secondsDuration(v)
	}
	if v := envInt("SSHTUNNEL_PROBE_COOLDOWN"); v > 0 {
		cfg.ProbeCooldown = secondsDuration(v)
	}
	if v := envInt("SSHTUNNEL_KEEP_ALIVE"); v > 0 {
		cfg.KeepAlive = secondsDuration(v)
	}

	// Output
	if v := os.Getenv("SSHTUNNEL_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := envInt("SSHTUNNEL_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
