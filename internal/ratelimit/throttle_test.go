package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_DisabledNeverBlocks(t *testing.T) {
	for _, th := range []*Throttle{nil, NewThrottle(0, 5), NewThrottle(-1, 0)} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, th.Wait(ctx))
		assert.False(t, th.Enabled())
		assert.Equal(t, Stats{}, th.Stats())
	}
}

func TestThrottle_BurstThenWait(t *testing.T) {
	th := NewThrottle(1, 2)
	ctx := context.Background()

	require.NoError(t, th.Wait(ctx))
	require.NoError(t, th.Wait(ctx))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, th.Wait(short))

	stats := th.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, 1.0, stats.Rate)
	assert.Equal(t, 2, stats.Burst)
}

func TestThrottle_DefaultBurst(t *testing.T) {
	assert.Equal(t, 5, NewThrottle(2.5, 0).Stats().Burst)
}
