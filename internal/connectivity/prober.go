package connectivity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 3 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

var errMissingPinger = errors.New("connectivity: pinger is required")

// Pinger checks backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	Initial  bool
	Logger   *zap.Logger
}

// Prober keeps a Switch current by pinging the backend on an interval.
type Prober struct {
	*Switch
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProber constructs a Prober; call Run to start probing.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.Pinger == nil {
		return nil, errMissingPinger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > interval {
		timeout = min(defaultProbeTimeout, interval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		Switch:   NewSwitch(cfg.Initial),
		pinger:   cfg.Pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Probe pings once and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(probeCtx)
	online := err == nil
	if online != p.IsOnline() {
		p.logger.Info("connectivity changed", zap.Bool("online", online), zap.Error(err))
	}
	p.Set(online)
	return online
}

// Run probes immediately and then on every interval until ctx ends.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
