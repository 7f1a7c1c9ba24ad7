package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func labelled(mf *dto.MetricFamily, name, value string) *dto.Metric {
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOutcome("success")
	c.RecordOutcome("success")
	c.RecordOutcome("rate_limited")
	c.RecordAttempts("success", 2)
	c.RecordProxyFailure("p1")
	c.ObserveQueueWait(1500 * time.Millisecond)
	c.ObserveCooldownWait(12 * time.Second)

	families := gather(t, reg)

	outcomes := families["keysweep_dispatch_outcomes_total"]
	require.NotNil(t, outcomes)
	assert.Equal(t, 2.0, labelled(outcomes, "outcome", "success").GetCounter().GetValue())
	assert.Equal(t, 1.0, labelled(outcomes, "outcome", "rate_limited").GetCounter().GetValue())

	attempts := labelled(families["keysweep_dispatch_attempts"], "result", "success")
	require.NotNil(t, attempts)
	assert.Equal(t, uint64(1), attempts.GetHistogram().GetSampleCount())
	assert.Equal(t, 2.0, attempts.GetHistogram().GetSampleSum())

	assert.Equal(t, 1.0, labelled(families["keysweep_proxy_failures_total"], "proxy_id", "p1").GetCounter().GetValue())
	assert.Equal(t, 1.5, families["keysweep_queue_wait_seconds"].GetMetric()[0].GetHistogram().GetSampleSum())
	assert.Equal(t, 12.0, families["keysweep_cooldown_wait_seconds"].GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestCollector_UpdatePools(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.UpdatePools(dispatch.Stats{
		PoolStats: credential.PoolStats{
			CountsByStatus: map[credential.Status]int{
				credential.StatusAvailable:   4,
				credential.StatusRateLimited: 1,
			},
			RotationRound: 7,
		},
		Proxies:      proxy.Stats{Total: 3, Enabled: 2, Healthy: 2},
		Fingerprints: dispatch.FingerprintStats{Size: 8, InUse: 3},
		Bound:        3,
	})

	families := gather(t, reg)
	creds := families["keysweep_credentials"]
	assert.Equal(t, 4.0, labelled(creds, "status", "available").GetGauge().GetValue())
	assert.Equal(t, 1.0, labelled(creds, "status", "rate_limited").GetGauge().GetValue())

	proxies := families["keysweep_proxies"]
	assert.Equal(t, 3.0, labelled(proxies, "state", "total").GetGauge().GetValue())
	assert.Equal(t, 2.0, labelled(proxies, "state", "healthy").GetGauge().GetValue())

	assert.Equal(t, 3.0, families["keysweep_fingerprints_in_use"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 8.0, families["keysweep_fingerprints_total"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 3.0, families["keysweep_bindings_active"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 7.0, families["keysweep_rotation_round"].GetMetric()[0].GetGauge().GetValue())
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordOutcome("success")
		c.RecordAttempts("failed", 3)
		c.RecordProxyFailure("p1")
		c.ObserveQueueWait(time.Second)
		c.ObserveCooldownWait(time.Second)
		c.UpdatePools(dispatch.Stats{})
	})
}
