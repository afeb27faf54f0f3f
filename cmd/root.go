// Package cmd wires up the CLI flags and runs a tunnel session.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"sshtunnel/config"
	ncerr "sshtunnel/internal/errors"
	"sshtunnel/internal/metrics"
	"sshtunnel/tunnel"
	"sshtunnel/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sshtunnel/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the session until ctx is cancelled or
// the requested commands have run.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout)
}

// options are flags that steer the CLI itself rather than the session.
type options struct {
	configPath  string
	dryRun      bool
	showVersion bool
	showHelp    bool
	verbosity   int // -v count, added to the configured level
}

// newFlagSet binds every flag onto cfg, using cfg's current values as
// defaults so that only flags given on the command line override them.
func newFlagSet(cfg *config.Config, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet("sshtunnel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// ── forwards / commands ──────────────────────────────────────
	fs.StringArrayVarP(&cfg.Forwards, "local", "L", cfg.Forwards, "Forward localPort:destHost:destPort (repeatable)")
	fs.StringArrayVar(&cfg.ForwardIDs, "forward-id", cfg.ForwardIDs, "Name for the matching -L, in order (repeatable)")
	fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Local address forward listeners bind to")
	fs.StringArrayVarP(&cfg.Commands, "command", "c", cfg.Commands, "Run command on the remote host (repeatable; several run as one batch)")

	// ── SSH ──────────────────────────────────────────────────────
	fs.StringVarP(&cfg.SSHKeyPath, "ssh-key", "i", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.StringVar(&cfg.HopSpec, "hop", cfg.HopSpec, "Reach the SSH host through socks4:// or socks5://[user[:pass]@]host:port")

	// ── timing ───────────────────────────────────────────────────
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Give up a connect attempt after this long")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Liveness probe timeout")
	fs.DurationVar(&cfg.ProbeCooldown, "probe-cooldown", cfg.ProbeCooldown, "Reuse a probe result for this long")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "Probe interval while forwarding (0 disables)")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Serve Prometheus metrics on this address")
	fs.CountVarP(&opts.verbosity, "verbose", "v", "Increase verbosity (repeatable)")

	// ── CLI ──────────────────────────────────────────────────────
	fs.StringVar(&opts.configPath, "config", "", "TOML config file")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate configuration and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")
	return fs
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	// First pass: find --config and the informational flags.
	var opts options
	first := newFlagSet(config.Default(), &opts)
	if err := first.Parse(args); err != nil {
		return err
	}
	if opts.showHelp || len(args) == 0 {
		printUsage(first)
		return nil
	}
	if opts.showVersion {
		fmt.Fprintf(out, "sshtunnel %s\n", version)
		return nil
	}

	cfg, err := loadConfig(args, &opts)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	specs, err := forwardSpecs(cfg)
	if err != nil {
		return err
	}
	if opts.dryRun {
		fmt.Fprintf(out, "target %s@%s:%d, %d forward(s), %d command(s)\n",
			cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort, len(specs), len(cfg.Commands))
		return nil
	}

	return run(ctx, cfg, specs, out)
}

// loadConfig layers defaults < file < env < flags and takes the
// positional ssh target.
func loadConfig(args []string, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		if err := config.LoadFile(cfg, opts.configPath); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	fs := newFlagSet(cfg, opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Verbose += opts.verbosity

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.TunnelSpec = rest[0]
	default:
		return nil, fmt.Errorf("unexpected arguments %q (use --help for usage)", rest[1:])
	}
	return cfg, nil
}

// forwardSpecs parses every -L in order, pairing each with its
// --forward-id.
func forwardSpecs(cfg *config.Config) ([]tunnel.ForwardSpec, error) {
	specs := make([]tunnel.ForwardSpec, 0, len(cfg.Forwards))
	for i, raw := range cfg.Forwards {
		spec, err := tunnel.ParseForward(raw, cfg.ForwardID(i))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// sessionConfig maps the validated CLI configuration onto a Session.
func sessionConfig(cfg *config.Config, logger *util.Logger, m *metrics.Collector) tunnel.Config {
	return tunnel.Config{
		SSH: &tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.ConnectTimeout,
			ReadyTimeout:  config.DefaultReadyTimeout,
		},
		Hop:            cfg.Hop,
		BindAddress:    cfg.BindAddress,
		ConnectTimeout: cfg.ConnectTimeout,
		HopTimeout:     config.DefaultHopTimeout,
		ProbeTimeout:   cfg.ProbeTimeout,
		ProbeCooldown:  cfg.ProbeCooldown,
		GracePeriod:    config.DefaultGracePeriod,
		MaxBackoff:     config.DefaultMaxReconnectBackoff,
		Logger:         logger,
		Metrics:        m,
	}
}

func run(ctx context.Context, cfg *config.Config, specs []tunnel.ForwardSpec, out io.Writer) error {
	logger := util.NewLogger(cfg.Verbose)
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		logger.SetTimestamps(true)
	}
	m := metrics.New()

	sess, err := tunnel.New(sessionConfig(cfg, logger, m))
	if err != nil {
		return err
	}
	defer sess.Close()

	if cfg.MetricsListen != "" {
		stop := serveMetrics(cfg.MetricsListen, m, logger)
		defer stop()
	}

	if err := runCommands(ctx, sess, cfg.Commands, out); err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}

	if _, err := sess.AddForwards(ctx, specs); err != nil {
		return err
	}
	if cfg.KeepAlive > 0 {
		k := tunnel.NewKeeper(sess, cfg.KeepAlive, logger, m)
		go func() {
			if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) &&
				!errors.Is(err, ncerr.ErrSessionClosed) {
				logger.Error("keepalive stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	logger.Verbose("metrics: %s", m.JSON())
	return nil
}

// runCommands runs one command with Exec, or several as one batch.
// Remote stderr is relayed to our stderr; the results printed so far
// are kept.
func runCommands(ctx context.Context, sess *tunnel.Session, cmds []string, out io.Writer) error {
	switch len(cmds) {
	case 0:
		return nil
	case 1:
		stdout, err := sess.Exec(ctx, cmds[0])
		fmt.Fprint(out, stdout)
		return relayStderr(err)
	}

	results, err := sess.ExecBatch(ctx, cmds)
	for _, r := range results {
		fmt.Fprint(out, r.Result)
	}
	if len(results) < len(cmds) && err == nil {
		err = fmt.Errorf("command %q failed; %d later command(s) skipped",
			results[len(results)-1].Command, len(cmds)-len(results))
	}
	return relayStderr(err)
}

func relayStderr(err error) error {
	var ee *ncerr.ExecError
	if errors.As(err, &ee) {
		fmt.Fprint(os.Stderr, ee.Stderr)
		return fmt.Errorf("command %q wrote to stderr", ee.Command)
	}
	return err
}

// serveMetrics exposes m on addr until the returned func is called.
func serveMetrics(addr string, m *metrics.Collector, logger *util.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printUsage(fs *flag.FlagSet) {
	fs.SetOutput(os.Stderr)
	fmt.Fprintf(os.Stderr, `sshtunnel v%s

Resilient SSH session: remote commands and local port forwards that
survive dropped connections, optionally through a SOCKS proxy.

Usage:
  sshtunnel [options] user@host[:port]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  sshtunnel -L 5432:db.internal:5432 deploy@bastion
  sshtunnel -L 8080:localhost:80 --forward-id web --hop socks5://proxy:1080 deploy@gw
  sshtunnel -c uptime -c 'df -h' admin@host.example.com:2222
`)
}
