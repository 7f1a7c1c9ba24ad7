package assign_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/keysweep/internal/assign"
	"github.com/yourneighborhoodchef/keysweep/internal/fingerprint"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
	"github.com/yourneighborhoodchef/keysweep/internal/store/memory"
)

type stickyMap struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *stickyMap) StickyProxy(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

func (s *stickyMap) SetStickyProxy(ctx context.Context, key, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = proxyID
	return nil
}

func setup(t *testing.T, share bool, fingerprints int, urls ...string) (*assign.Assignor, *proxy.Pool, *stickyMap) {
	t.Helper()
	ctx := context.Background()
	proxies, err := proxy.NewPool(ctx, memory.New(), proxy.Options{})
	require.NoError(t, err)
	for _, u := range urls {
		_, err := proxies.Add(ctx, u)
		require.NoError(t, err)
	}
	sticky := &stickyMap{m: map[string]string{}}
	a := assign.New(proxies, fingerprint.NewPool(fingerprints, nil, 1), sticky, assign.Options{ShareWhenExhausted: share})
	return a, proxies, sticky
}

func TestAssignor_ExclusiveProxies(t *testing.T) {
	a, _, _ := setup(t, false, 4, "http://a:1", "http://b:1")
	ctx := context.Background()

	b1, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	b2, err := a.Bind(ctx, "acc1/0")
	require.NoError(t, err)

	require.NotNil(t, b1.Proxy)
	require.NotNil(t, b2.Proxy)
	assert.NotEqual(t, b1.Proxy.ID, b2.Proxy.ID)
	assert.NotEqual(t, b1.Fingerprint.ID, b2.Fingerprint.ID)

	_, err = a.Bind(ctx, "acc2/0")
	assert.ErrorIs(t, err, proxy.ErrNoProxyAvailable)
	assert.Equal(t, 2, a.Bound())

	a.Release(ctx, "acc0/0", false)
	b3, err := a.Bind(ctx, "acc2/0")
	require.NoError(t, err)
	assert.Equal(t, b1.Proxy.ID, b3.Proxy.ID)
}

func TestAssignor_FailedBindReleasesFingerprint(t *testing.T) {
	a, _, _ := setup(t, false, 1, "http://a:1")
	ctx := context.Background()

	_, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)

	// no fingerprint left for a second key
	_, err = a.Bind(ctx, "acc1/0")
	assert.ErrorIs(t, err, fingerprint.ErrNoFingerprintAvailable)

	a.Release(ctx, "acc0/0", false)
	_, err = a.Bind(ctx, "acc1/0")
	assert.NoError(t, err)
}

func TestAssignor_ShareWhenExhausted(t *testing.T) {
	tests := []struct {
		name  string
		share bool
	}{
		{name: "default refuses to share", share: false},
		{name: "sharing enabled", share: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := setup(t, tt.share, 4, "http://a:1")
			ctx := context.Background()

			b1, err := a.Bind(ctx, "acc0/0")
			require.NoError(t, err)
			b2, err := a.Bind(ctx, "acc1/0")
			if !tt.share {
				assert.ErrorIs(t, err, proxy.ErrNoProxyAvailable)
				assert.Equal(t, 1, a.ProxyHolders(b1.Proxy.ID))
				assert.Equal(t, 1, a.Bound())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, b1.Proxy.ID, b2.Proxy.ID)
			assert.Equal(t, 2, a.ProxyHolders(b1.Proxy.ID))
		})
	}
}

func TestAssignor_ShareDefaultsOff(t *testing.T) {
	assert.False(t, assign.Options{}.ShareWhenExhausted)
}

func TestAssignor_StickyReuse(t *testing.T) {
	a, _, sticky := setup(t, false, 4, "http://a:1", "http://b:1", "http://c:1")
	ctx := context.Background()

	first, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	assert.Equal(t, first.Proxy.ID, sticky.StickyProxy("acc0/0"))
	a.Release(ctx, "acc0/0", false)

	// the round-robin cursor has moved on, but the sticky proxy wins
	again, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	assert.Equal(t, first.Proxy.ID, again.Proxy.ID)
	assert.Equal(t, first.Fingerprint.ID, again.Fingerprint.ID)
}

func TestAssignor_StickyProxyHeldElsewhere(t *testing.T) {
	a, _, sticky := setup(t, false, 4, "http://a:1", "http://b:1")
	ctx := context.Background()

	other, err := a.Bind(ctx, "acc1/0")
	require.NoError(t, err)
	sticky.m["acc0/0"] = other.Proxy.ID

	b, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	assert.NotEqual(t, other.Proxy.ID, b.Proxy.ID)
	assert.Equal(t, b.Proxy.ID, sticky.StickyProxy("acc0/0"))
}

func TestAssignor_FailureClearsSticky(t *testing.T) {
	a, _, sticky := setup(t, false, 4, "http://a:1", "http://b:1")
	ctx := context.Background()

	_, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	a.Release(ctx, "acc0/0", true)

	assert.Empty(t, sticky.StickyProxy("acc0/0"))
	assert.Equal(t, 0, a.Bound())
}

func TestAssignor_UnhealthyStickyIsReplaced(t *testing.T) {
	a, proxies, _ := setup(t, false, 4, "http://a:1", "http://b:1")
	ctx := context.Background()

	first, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	a.Release(ctx, "acc0/0", false)

	require.NoError(t, proxies.ReportFailure(ctx, first.Proxy.ID, "timeout"))
	require.NoError(t, proxies.ReportFailure(ctx, first.Proxy.ID, "timeout"))

	again, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	assert.NotEqual(t, first.Proxy.ID, again.Proxy.ID)
}

func TestAssignor_RefCounting(t *testing.T) {
	a, _, _ := setup(t, false, 4, "http://a:1", "http://b:1")
	ctx := context.Background()

	b1, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	b2, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	assert.Equal(t, b1.Proxy.ID, b2.Proxy.ID)
	assert.Equal(t, 1, a.ProxyHolders(b1.Proxy.ID))

	a.Release(ctx, "acc0/0", false)
	assert.Equal(t, 1, a.Bound())
	a.Release(ctx, "acc0/0", false)
	assert.Equal(t, 0, a.Bound())
	assert.Equal(t, 0, a.ProxyHolders(b1.Proxy.ID))

	// releasing an unbound key is a no-op
	a.Release(ctx, "acc0/0", false)
}

func TestAssignor_DirectWithoutProxies(t *testing.T) {
	a, _, sticky := setup(t, false, 2)
	ctx := context.Background()

	b, err := a.Bind(ctx, "acc0/0")
	require.NoError(t, err)
	assert.Nil(t, b.Proxy)
	assert.Empty(t, sticky.StickyProxy("acc0/0"))
	a.Release(ctx, "acc0/0", true)
}
