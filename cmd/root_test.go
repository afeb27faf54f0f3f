package cmd

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"sshtunnel/config"
	ncerr "sshtunnel/internal/errors"
	"sshtunnel/internal/testutil"
	"sshtunnel/tunnel"
)

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	var out bytes.Buffer
	if err := execute(context.Background(), []string{"--version"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "sshtunnel ") {
		t.Errorf("output = %q", out.String())
	}
}

// TestExecute_Help verifies --help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {}} {
		name := "no-args"
		if len(args) > 0 {
			name = args[0]
		}
		t.Run(name, func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	var out bytes.Buffer
	err := execute(context.Background(), []string{
		"-L", "8080:db:5432", "-L", "0:cache:6379", "--forward-id", "db",
		"--hop", "socks5://proxy:1080", "--dry-run", "deploy@bastion:2222",
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "target deploy@bastion:2222, 2 forward(s), 0 command(s)"; !strings.Contains(out.String(), want) {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{"nothing to do", []string{"--dry-run", "deploy@bastion"}, "local"},
		{"no user", []string{"-c", "true", "--dry-run", "bastion"}, "target"},
		{"bad hop", []string{"-c", "true", "--hop", "http://p:1", "--dry-run", "u@h"}, "hop"},
		{"bad forward", []string{"-L", "8080:db", "--dry-run", "u@h"}, "local"},
		{"too many ids", []string{"-L", "1:a:2", "--forward-id", "x", "--forward-id", "y", "--dry-run", "u@h"}, "forward-id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(context.Background(), tt.args, &bytes.Buffer{})
			var ce *ncerr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestExecute_ExtraArguments(t *testing.T) {
	err := execute(context.Background(), []string{"-c", "true", "u@h", "stray"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unexpected arguments") {
		t.Fatalf("err = %v", err)
	}
}

// TestExecute_Precedence checks defaults < file < env < flags.
func TestExecute_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshtunnel.toml")
	conf := `
target = "file@from-file"
commands = ["uptime"]
bind_address = "0.0.0.0"
probe_timeout = "7s"
`
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSHTUNNEL_TARGET", "env@from-env")

	var out bytes.Buffer
	if err := execute(context.Background(), []string{"--config", path, "--dry-run"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "env@from-env:22") {
		t.Errorf("env should override file: %q", out.String())
	}

	out.Reset()
	if err := execute(context.Background(), []string{"--config", path, "--dry-run", "flag@from-flag"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "flag@from-flag:22") {
		t.Errorf("flag should override env: %q", out.String())
	}
}

// TestLoadConfig_Verbosity checks that -v adds to the level taken from
// defaults, the config file and the environment instead of resetting it.
func TestLoadConfig_Verbosity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshtunnel.toml")
	if err := os.WriteFile(path, []byte("verbose = 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		file bool
		env  string
		args []string
		want int
	}{
		{name: "default", args: []string{"u@h"}, want: 1},
		{name: "default plus -vv", args: []string{"-vv", "u@h"}, want: 3},
		{name: "file", file: true, args: []string{"u@h"}, want: 3},
		{name: "env over file", file: true, env: "2", args: []string{"u@h"}, want: 2},
		{name: "env plus -v", env: "2", args: []string{"-v", "u@h"}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SSHTUNNEL_VERBOSE", tt.env)
			var opts options
			if tt.file {
				opts.configPath = path
			}
			cfg, err := loadConfig(tt.args, &opts)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Verbose != tt.want {
				t.Errorf("Verbose = %d, want %d", cfg.Verbose, tt.want)
			}
			if cfg.TunnelSpec != "u@h" {
				t.Errorf("TunnelSpec = %q", cfg.TunnelSpec)
			}
		})
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TunnelSpec = "deploy@bastion:2222"
	cfg.HopSpec = "socks4://proxy:1080"
	cfg.Commands = []string{"true"}
	cfg.SSHKeyPath = "/keys/id"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	sc := sessionConfig(cfg, nil, nil)
	if sc.SSH.User != "deploy" || sc.SSH.Host != "bastion" || sc.SSH.Port != 2222 || sc.SSH.KeyPath != "/keys/id" {
		t.Errorf("SSH = %+v", sc.SSH)
	}
	if sc.Hop == nil || sc.Hop.Version != 4 {
		t.Errorf("Hop = %+v", sc.Hop)
	}
	if sc.BindAddress != config.DefaultLocalAddress || sc.ProbeCooldown != config.DefaultProbeCooldown {
		t.Errorf("defaults not carried: %+v", sc)
	}
}

func TestForwardSpecs(t *testing.T) {
	cfg := &config.Config{
		Forwards:   []string{"8080:db:5432", "0:cache:6379"},
		ForwardIDs: []string{"db"},
	}
	specs, err := forwardSpecs(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := []tunnel.ForwardSpec{
		{ID: "db", LocalPort: 8080, DestHost: "db", DestPort: 5432},
		{ID: "0:cache:6379", LocalPort: 0, DestHost: "cache", DestPort: 6379},
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Errorf("spec %d = %+v, want %+v", i, specs[i], want[i])
		}
	}
}

// startKeyServer starts an SSH server that accepts a freshly generated
// key and returns the server and the key's path.
func startKeyServer(t *testing.T) (*testutil.SSHServer, string) {
	t.Helper()
	srv := testutil.StartSSHServer(t, "deploy", "unused-password")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	srv.Authorize(sshPub)
	return srv, path
}

func TestExecute_Commands(t *testing.T) {
	srv, key := startKeyServer(t)
	target := "deploy@" + srv.Addr

	var out bytes.Buffer
	if err := execute(context.Background(), []string{"-i", key, "-c", "echo one", target}, &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "one\n" {
		t.Errorf("single command output = %q", out.String())
	}

	out.Reset()
	err := execute(context.Background(), []string{"-i", key, "-c", "echo a", "-c", "false", "-c", "echo c", target}, &out)
	if err == nil || !strings.Contains(err.Error(), `"false"`) {
		t.Errorf("batch with failure: err = %v", err)
	}
	if out.String() != "a\n" {
		t.Errorf("batch output = %q", out.String())
	}
}

func TestExecute_ForwardsUntilCancelled(t *testing.T) {
	srv, key := startKeyServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := execute(ctx, []string{"-i", key, "-L", "0:127.0.0.1:1", "--keepalive", "50ms", "deploy@" + srv.Addr}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 400*time.Millisecond {
		t.Error("returned before the context was cancelled")
	}
	if srv.Handshakes.Load() != 1 {
		t.Errorf("handshakes = %d, want 1", srv.Handshakes.Load())
	}
}
