package tunnel

import (
	"context"
	"errors"
	"time"

	ncerr "sshtunnel/internal/errors"
	"sshtunnel/internal/metrics"
	"sshtunnel/util"
)

// Keeper probes a Session on a fixed interval and reconnects it when
// the probe fails, so forwards stay usable even while idle.
type Keeper struct {
	session  *Session
	interval time.Duration
	logger   *util.Logger
	metrics  *metrics.Collector
}

// NewKeeper returns a Keeper for s.  interval must be positive.
func NewKeeper(s *Session, interval time.Duration, logger *util.Logger, m *metrics.Collector) *Keeper {
	return &Keeper{session: s, interval: interval, logger: logger.WithPrefix("keepalive"), metrics: m}
}

// Run blocks until ctx is done or the session is closed.
func (k *Keeper) Run(ctx context.Context) error {
	tick := time.NewTicker(k.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		if k.session.CheckAlive(ctx) {
			k.metrics.RecordHealthCheck()
			k.logger.Debug("%s ok", k.session.cfg.SSH.Addr())
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		k.logger.Warn("ssh connection lost, reconnecting...")
		if err := k.session.AutoReconnect(ctx); err != nil {
			if errors.Is(err, ncerr.ErrSessionClosed) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("reconnect failed: %v", err)
		}
	}
}
