// Package monitor periodically probes the proxy pool and publishes pool health.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultHeartbeat   = 5 * time.Minute
	DefaultConcurrency = 8
)

type StatsSource interface {
	Stats() dispatch.Stats
}

type ProxyChecker interface {
	Len() int
	CheckAll(ctx context.Context, probeURL string, concurrency int) (map[string]bool, error)
}

// Updater receives every snapshot. metrics.Collector satisfies it.
type Updater interface {
	UpdatePools(s dispatch.Stats)
}

type Options struct {
	Interval time.Duration
	// ProbeURL enables proxy probing on every tick when set.
	ProbeURL    string
	Concurrency int
	// Heartbeat republishes an unchanged status after this long.
	Heartbeat time.Duration
	Updater   Updater
	Logger    *zap.Logger
	Now       func() time.Time
}

type Monitor struct {
	stats   StatsSource
	proxies ProxyChecker
	opts    Options
	logger  *zap.Logger

	mu          sync.Mutex
	last        Report
	lastPublish time.Time
}

func New(stats StatsSource, proxies ProxyChecker, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		stats:   stats,
		proxies: proxies,
		opts:    opts,
		logger:  opts.Logger.Named("monitor"),
		last:    Report{Status: StatusInitializing},
	}
}

// Run checks once immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Monitor started",
		zap.Duration("interval", m.opts.Interval),
		zap.Bool("probing", m.opts.ProbeURL != ""),
	)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check probes proxies when enabled, snapshots the pools and publishes the
// report if the status changed or the heartbeat is due.
func (m *Monitor) Check(ctx context.Context) Report {
	checked := 0
	if m.opts.ProbeURL != "" && m.proxies != nil && m.proxies.Len() > 0 {
		results, err := m.proxies.CheckAll(ctx, m.opts.ProbeURL, m.opts.Concurrency)
		if err != nil {
			m.logger.Warn("Proxy check failed", zap.Error(err))
		}
		checked = len(results)
	}

	s := m.stats.Stats()
	if m.opts.Updater != nil {
		m.opts.Updater.UpdatePools(s)
	}

	now := m.opts.Now()
	r := Report{
		Status:         classify(s),
		Timestamp:      now.Unix(),
		Credentials:    s.CountsByStatus,
		ProxiesTotal:   s.Proxies.Total,
		ProxiesHealthy: s.Proxies.Healthy,
		ProxiesChecked: checked,
		Fingerprints:   s.Fingerprints.InUse,
		RotationRound:  s.RotationRound,
	}

	m.mu.Lock()
	publish := r.Status != m.last.Status || now.Sub(m.lastPublish) >= m.opts.Heartbeat
	m.last = r
	if publish {
		m.lastPublish = now
	}
	m.mu.Unlock()

	if publish {
		m.publish(r)
	}
	return r
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) publish(r Report) {
	fields := []zap.Field{
		zap.String("status", r.Status),
		zap.Int("available", r.Credentials[credential.StatusAvailable]),
		zap.Int("rate_limited", r.Credentials[credential.StatusRateLimited]),
		zap.Int("exhausted", r.Credentials[credential.StatusExhausted]),
		zap.Int("error", r.Credentials[credential.StatusError]),
		zap.Int("proxies_healthy", r.ProxiesHealthy),
		zap.Int("proxies_total", r.ProxiesTotal),
		zap.Int("fingerprints_in_use", r.Fingerprints),
		zap.Int64("rotation_round", r.RotationRound),
	}
	if r.Status == StatusHealthy {
		m.logger.Info("Pool status", fields...)
		return
	}
	m.logger.Warn("Pool status", fields...)
}

func classify(s dispatch.Stats) string {
	if s.CountsByStatus[credential.StatusAvailable] == 0 {
		return StatusUnavailable
	}
	if s.Proxies.Total > 0 && s.Proxies.Healthy == 0 {
		return StatusUnavailable
	}
	if s.Proxies.Healthy < s.Proxies.Total {
		return StatusDegraded
	}
	for _, st := range []credential.Status{credential.StatusRateLimited, credential.StatusExhausted, credential.StatusError} {
		if s.CountsByStatus[st] > 0 {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
