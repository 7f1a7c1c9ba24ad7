package credential_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/store/memory"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newPool(t *testing.T, clock *fakeClock, accounts, projects int) (*credential.Pool, *memory.Store) {
	t.Helper()
	store := memory.New()
	pool, err := credential.NewPool(context.Background(), store, credential.Options{
		RateLimitCooldown: 65 * time.Second,
		Now:               clock.Now,
	})
	require.NoError(t, err)

	for a := 0; a < accounts; a++ {
		keys := make([]string, projects)
		for p := range keys {
			keys[p] = fmt.Sprintf("secret-%d-%d", a, p)
		}
		require.NoError(t, pool.AddAccount(context.Background(), fmt.Sprintf("acc%d", a), keys))
	}
	return pool, store
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local)}
}

func draw(t *testing.T, pool *credential.Pool) string {
	t.Helper()
	cred, err := pool.Next(context.Background())
	require.NoError(t, err)
	return cred.Key
}

func TestPool_SweepVisitsEverySlotColumnMajor(t *testing.T) {
	pool, _ := newPool(t, newClock(), 3, 2)

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, draw(t, pool))
	}

	assert.Equal(t, []string{
		"acc0/0", "acc1/0", "acc2/0",
		"acc0/1", "acc1/1", "acc2/1",
	}, got)
}

func TestPool_TwoByTwoScenario(t *testing.T) {
	pool, _ := newPool(t, newClock(), 2, 2)
	want := []string{"acc0/0", "acc1/0", "acc0/1", "acc1/1"}

	for round := int64(0); round < 2; round++ {
		assert.Equal(t, round, pool.State().RotationRound)
		for _, key := range want {
			assert.Equal(t, key, draw(t, pool))
		}
		assert.Equal(t, round+1, pool.State().RotationRound)
	}
	assert.Equal(t, int64(8), pool.Stats().TotalRequestsDispatched)
}

func TestPool_RateLimitedRecoversAfterCooldown(t *testing.T) {
	clock := newClock()
	pool, _ := newPool(t, clock, 1, 1)
	ctx := context.Background()

	require.NoError(t, pool.RecordRateLimited(ctx, "acc0/0"))

	_, err := pool.Next(ctx)
	assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)

	clock.Advance(64 * time.Second)
	_, err = pool.Next(ctx)
	assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)

	clock.Advance(time.Second)
	assert.Equal(t, "acc0/0", draw(t, pool))

	proj, err := pool.Project("acc0/0")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusAvailable, proj.Status)
	assert.Nil(t, proj.Limits.RateLimitResetAt)
}

func TestIsAvailable_IsPure(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	reset := now.Add(time.Minute)
	p := &credential.Project{
		Status: credential.StatusRateLimited,
		Limits: credential.LimitTracking{RateLimitResetAt: &reset},
	}

	assert.False(t, credential.IsAvailable(p, now))
	assert.True(t, credential.IsAvailable(p, reset))
	assert.Equal(t, credential.StatusRateLimited, p.Status)

	for _, status := range []credential.Status{credential.StatusError, credential.StatusDisabled} {
		assert.False(t, credential.IsAvailable(&credential.Project{Status: status}, now))
	}
}

func TestPool_ExhaustedUntilMidnight(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 23, 58, 0, 0, time.Local)}
	pool, store := newPool(t, clock, 1, 1)
	ctx := context.Background()

	require.NoError(t, pool.RecordQuotaExhausted(ctx, "acc0/0"))

	clock.Advance(time.Minute)
	_, err := pool.Next(ctx)
	assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)

	clock.Advance(59*time.Second + 999*time.Millisecond)
	_, err = pool.Next(ctx)
	assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)

	clock.Advance(time.Millisecond)
	assert.Equal(t, "acc0/0", draw(t, pool))

	// a fresh pool over the same store runs the daily reset
	reloaded, err := credential.NewPool(ctx, store, credential.Options{Now: clock.Now})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-20", reloaded.State().LastDailyResetDate)
}

func TestPool_DailyResetOnReload(t *testing.T) {
	clock := newClock()
	pool, _ := newPool(t, clock, 1, 2)
	ctx := context.Background()

	require.NoError(t, pool.RecordSuccess(ctx, "acc0/0"))
	require.NoError(t, pool.RecordQuotaExhausted(ctx, "acc0/1"))

	clock.Advance(24 * time.Hour)
	require.NoError(t, pool.Reload(ctx))

	p0, err := pool.Project("acc0/0")
	require.NoError(t, err)
	assert.Equal(t, 0, p0.Stats.RequestsToday)
	assert.Equal(t, int64(1), p0.Stats.SuccessCount)

	p1, err := pool.Project("acc0/1")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusAvailable, p1.Status)
	assert.Equal(t, "2026-10-20", pool.State().LastDailyResetDate)
}

func TestPool_RecordError(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    credential.Status
	}{
		{"transient", "upstream returned 503", credential.StatusAvailable},
		{"invalid key", "API key not valid. Please pass a valid API key.", credential.StatusError},
		{"revoked", "Permission denied: invalid credentials", credential.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, _ := newPool(t, newClock(), 1, 1)
			require.NoError(t, pool.RecordError(context.Background(), "acc0/0", tt.message))

			proj, err := pool.Project("acc0/0")
			require.NoError(t, err)
			assert.Equal(t, tt.want, proj.Status)
			assert.Equal(t, int64(1), proj.Stats.ErrorCount)
			assert.Equal(t, tt.message, proj.Stats.LastError)
		})
	}
}

func TestPool_ResetAllLeavesDisabled(t *testing.T) {
	pool, _ := newPool(t, newClock(), 1, 4)
	ctx := context.Background()

	require.NoError(t, pool.RecordRateLimited(ctx, "acc0/0"))
	require.NoError(t, pool.RecordQuotaExhausted(ctx, "acc0/1"))
	require.NoError(t, pool.RecordError(ctx, "acc0/2", "invalid api key"))
	require.NoError(t, pool.SetProjectStatus(ctx, "acc0/3", credential.StatusDisabled))

	n, err := pool.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats := pool.Stats()
	assert.Equal(t, 3, stats.CountsByStatus[credential.StatusAvailable])
	assert.Equal(t, 1, stats.CountsByStatus[credential.StatusDisabled])
}

func TestPool_SkipsDisabledAccountsAndMissingProjects(t *testing.T) {
	pool, _ := newPool(t, newClock(), 2, 1)
	ctx := context.Background()
	require.NoError(t, pool.AddAccount(ctx, "acc2", []string{"a", "b"}))
	require.NoError(t, pool.SetAccountStatus(ctx, "acc1", credential.AccountDisabled))

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, draw(t, pool))
	}
	assert.Equal(t, []string{"acc0/0", "acc2/0", "acc2/1", "acc0/0"}, got)
}

func TestPool_ExhaustedSweepLeavesStateUnchanged(t *testing.T) {
	pool, _ := newPool(t, newClock(), 2, 2)
	ctx := context.Background()

	draw(t, pool)
	before := pool.State()
	for _, key := range []string{"acc0/0", "acc1/0", "acc0/1", "acc1/1"} {
		require.NoError(t, pool.RecordRateLimited(ctx, key))
	}

	_, err := pool.Next(ctx)
	assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)

	after := pool.State()
	assert.Equal(t, before.AccountCursor, after.AccountCursor)
	assert.Equal(t, before.ProjectCursor, after.ProjectCursor)
	assert.Equal(t, before.RotationRound, after.RotationRound)
	assert.Equal(t, before.TotalRequestsDispatched, after.TotalRequestsDispatched)
}

func TestPool_AllAccountsDisabled(t *testing.T) {
	pool, _ := newPool(t, newClock(), 2, 1)
	ctx := context.Background()
	require.NoError(t, pool.SetAccountStatus(ctx, "acc0", credential.AccountDisabled))
	require.NoError(t, pool.SetAccountStatus(ctx, "acc1", credential.AccountDisabled))

	_, err := pool.Next(ctx)
	assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)
}

func TestPool_CursorWrapsAfterAccountRemoval(t *testing.T) {
	pool, _ := newPool(t, newClock(), 3, 1)
	ctx := context.Background()

	assert.Equal(t, "acc0/0", draw(t, pool))
	assert.Equal(t, "acc1/0", draw(t, pool))
	assert.Equal(t, 2, pool.State().AccountCursor)

	require.NoError(t, pool.RemoveAccount(ctx, "acc2"))
	require.NoError(t, pool.RemoveAccount(ctx, "acc1"))

	// cursor 2 folds into the single remaining account
	assert.Equal(t, "acc0/0", draw(t, pool))
	assert.Equal(t, "acc0/0", draw(t, pool))
}

func TestPool_StatePersistsAcrossReload(t *testing.T) {
	clock := newClock()
	pool, store := newPool(t, clock, 2, 2)
	ctx := context.Background()

	draw(t, pool)
	draw(t, pool)
	draw(t, pool)
	require.NoError(t, pool.RecordRateLimited(ctx, "acc1/1"))

	reloaded, err := credential.NewPool(ctx, store, credential.Options{Now: clock.Now})
	require.NoError(t, err)

	assert.Equal(t, pool.State(), reloaded.State())
	proj, err := reloaded.Project("acc1/1")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusRateLimited, proj.Status)

	// acc1/1 is cooling down, so the sweep wraps to the next column
	cred, err := reloaded.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acc0/0", cred.Key)
}

func TestPool_TakeMovesCursorPastSlot(t *testing.T) {
	pool, _ := newPool(t, newClock(), 2, 2)
	ctx := context.Background()

	cred, err := pool.Take(ctx, "acc1/0")
	require.NoError(t, err)
	assert.Equal(t, "secret-1-0", cred.Secret)
	assert.Equal(t, "acc0/1", draw(t, pool))

	require.NoError(t, pool.RecordRateLimited(ctx, "acc1/1"))
	_, err = pool.Take(ctx, "acc1/1")
	assert.ErrorIs(t, err, credential.ErrNoCredentialAvailable)

	_, err = pool.Take(ctx, "nope/0")
	assert.ErrorIs(t, err, credential.ErrUnknownCredential)
}

func TestPool_NextMatchingSkipsRejected(t *testing.T) {
	pool, _ := newPool(t, newClock(), 3, 1)
	ctx := context.Background()

	cred, err := pool.NextMatching(ctx, func(c credential.Credential) bool { return c.AccountID == "acc2" })
	require.NoError(t, err)
	assert.Equal(t, "acc2/0", cred.Key)
	assert.Equal(t, "acc0/0", draw(t, pool))
	assert.Equal(t, int64(1), pool.State().RotationRound)
}

func TestPool_ImportAccountsIsIdempotent(t *testing.T) {
	pool, store := newPool(t, newClock(), 0, 0)
	ctx := context.Background()
	specs := []credential.AccountSpec{
		{ID: "a", Keys: []string{"k1", "k2"}},
		{ID: "b", Keys: []string{"k3"}},
	}

	require.NoError(t, pool.ImportAccounts(ctx, specs))
	require.NoError(t, pool.RecordRateLimited(ctx, "a/0"))

	specs[0].Keys = append(specs[0].Keys, "k4")
	require.NoError(t, pool.ImportAccounts(ctx, specs))

	stats := pool.Stats()
	assert.Equal(t, 2, stats.TotalAccounts)
	assert.Equal(t, 4, stats.TotalProjects)
	assert.Equal(t, 1, stats.CountsByStatus[credential.StatusRateLimited])

	stored, err := store.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Len(t, stored[0].Projects, 3)
	assert.Equal(t, "k4", stored[0].Projects[2].Secret)
}

func TestPool_StickyProxyPersists(t *testing.T) {
	clock := newClock()
	pool, store := newPool(t, clock, 1, 1)
	ctx := context.Background()

	require.NoError(t, pool.SetStickyProxy(ctx, "acc0/0", "proxy-1"))

	reloaded, err := credential.NewPool(ctx, store, credential.Options{Now: clock.Now})
	require.NoError(t, err)
	assert.Equal(t, "proxy-1", reloaded.StickyProxy("acc0/0"))
}

func TestParseKey(t *testing.T) {
	id, idx, err := credential.ParseKey("team/a/3")
	require.NoError(t, err)
	assert.Equal(t, "team/a", id)
	assert.Equal(t, 3, idx)

	for _, bad := range []string{"", "acc", "acc/", "/1", "acc/x", "acc/-1"} {
		_, _, err := credential.ParseKey(bad)
		assert.ErrorIs(t, err, credential.ErrUnknownCredential, bad)
	}
}

var errStoreDown = errors.New("store down")

// flakyStore fails writes while down is set.
type flakyStore struct {
	*memory.Store
	down bool
}

func (s *flakyStore) SaveRotation(ctx context.Context, st credential.RotationState) error {
	if s.down {
		return errStoreDown
	}
	return s.Store.SaveRotation(ctx, st)
}

func (s *flakyStore) SaveProject(ctx context.Context, accountID string, p *credential.Project) error {
	if s.down {
		return errStoreDown
	}
	return s.Store.SaveProject(ctx, accountID, p)
}

func TestPool_PersistenceFailuresAreReturned(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := &flakyStore{Store: memory.New()}
	pool, err := credential.NewPool(ctx, store, credential.Options{
		RateLimitCooldown: 65 * time.Second,
		Now:               clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, pool.AddAccount(ctx, "acc0", []string{"s0"}))
	require.NoError(t, pool.AddAccount(ctx, "acc1", []string{"s1"}))

	store.down = true
	_, err = pool.Next(ctx)
	require.ErrorIs(t, err, errStoreDown)
	assert.NotErrorIs(t, err, credential.ErrNoCredentialAvailable)

	_, err = pool.Take(ctx, "acc0/0")
	assert.ErrorIs(t, err, errStoreDown)

	store.down = false
	require.NoError(t, pool.RecordRateLimited(ctx, "acc1/0"))
	clock.Advance(66 * time.Second)

	store.down = true
	_, err = pool.Available(ctx)
	assert.ErrorIs(t, err, errStoreDown, "recovery write")

	// the in-memory rotation kept moving while writes failed
	store.down = false
	assert.Equal(t, int64(2), pool.State().TotalRequestsDispatched)
	assert.Equal(t, "acc1/0", draw(t, pool))
}
