package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
)

const namespace = "keysweep"

// Collector implements dispatch.Recorder and scheduler.Observer. A nil
// *Collector records nothing.
type Collector struct {
	outcomes      *prometheus.CounterVec
	attempts      *prometheus.HistogramVec
	proxyFailures *prometheus.CounterVec
	queueWait     prometheus.Histogram
	cooldownWait  prometheus.Histogram

	credentials     *prometheus.GaugeVec
	proxies         *prometheus.GaugeVec
	fingerprints    prometheus.Gauge
	fingerprintSize prometheus.Gauge
	bound           prometheus.Gauge
	rotationRound   prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	waitBuckets := []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120}

	return &Collector{
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_outcomes_total",
				Help:      "Outcomes reported for dispatched calls",
			},
			[]string{"outcome"},
		),
		attempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts",
				Help:      "Attempts used per dispatch, by final result",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"result"},
		),
		proxyFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_failures_total",
				Help:      "Transport failures charged to a proxy",
			},
			[]string{"proxy_id"},
		),
		queueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time a call waited behind earlier calls on the same key",
			Buckets:   waitBuckets,
		}),
		cooldownWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cooldown_wait_seconds",
			Help:      "Time a call waited for its key's cooldown",
			Buckets:   waitBuckets,
		}),
		credentials: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credentials",
				Help:      "Credentials by status",
			},
			[]string{"status"},
		),
		proxies: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxies",
				Help:      "Proxies by state (total, enabled, healthy)",
			},
			[]string{"state"},
		),
		fingerprints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fingerprints_in_use",
			Help:      "Fingerprint profiles currently leased",
		}),
		fingerprintSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fingerprints_total",
			Help:      "Fingerprint profiles in the pool",
		}),
		bound: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bindings_active",
			Help:      "Credentials currently bound to a proxy and fingerprint",
		}),
		rotationRound: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rotation_round",
			Help:      "Completed sweeps over the credential grid",
		}),
	}
}

func (c *Collector) RecordOutcome(outcome string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordAttempts(result string, attempts int) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(result).Observe(float64(attempts))
}

func (c *Collector) RecordProxyFailure(proxyID string) {
	if c == nil {
		return
	}
	c.proxyFailures.WithLabelValues(proxyID).Inc()
}

func (c *Collector) ObserveQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.queueWait.Observe(d.Seconds())
}

func (c *Collector) ObserveCooldownWait(d time.Duration) {
	if c == nil {
		return
	}
	c.cooldownWait.Observe(d.Seconds())
}

// UpdatePools sets the pool gauges from a stats snapshot.
func (c *Collector) UpdatePools(s dispatch.Stats) {
	if c == nil {
		return
	}
	for status, n := range s.CountsByStatus {
		c.credentials.WithLabelValues(string(status)).Set(float64(n))
	}
	c.proxies.WithLabelValues("total").Set(float64(s.Proxies.Total))
	c.proxies.WithLabelValues("enabled").Set(float64(s.Proxies.Enabled))
	c.proxies.WithLabelValues("healthy").Set(float64(s.Proxies.Healthy))
	c.fingerprints.Set(float64(s.Fingerprints.InUse))
	c.fingerprintSize.Set(float64(s.Fingerprints.Size))
	c.bound.Set(float64(s.Bound))
	c.rotationRound.Set(float64(s.RotationRound))
}
