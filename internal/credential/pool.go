package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultRateLimitCooldown = 65 * time.Second

// Store is the persistence contract the pool writes through after every
// mutation. Records are whole-record upserts.
type Store interface {
	LoadAccounts(ctx context.Context) ([]*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	DeleteAccount(ctx context.Context, id string) error
	SaveProject(ctx context.Context, accountID string, p *Project) error
	LoadRotation(ctx context.Context) (*RotationState, error)
	SaveRotation(ctx context.Context, s RotationState) error
}

type Options struct {
	RateLimitCooldown time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	state    RotationState

	store    Store
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewPool(ctx context.Context, store Store, opts Options) (*Pool, error) {
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		store:    store,
		cooldown: opts.RateLimitCooldown,
		logger:   opts.Logger.Named("credential"),
		now:      opts.Now,
	}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads accounts and rotation state from the store and runs the
// daily reset check.
func (p *Pool) Reload(ctx context.Context) error {
	accounts, err := p.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	state, err := p.store.LoadRotation(ctx)
	if err != nil {
		return fmt.Errorf("load rotation state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.accounts = accounts
	if state != nil {
		p.state = *state
	} else {
		p.state = RotationState{}
	}
	return p.dailyReset(ctx, p.now())
}

// CheckDailyReset runs the daily reset if the local date changed since the
// last one.
func (p *Pool) CheckDailyReset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dailyReset(ctx, p.now())
}

func (p *Pool) dailyReset(ctx context.Context, now time.Time) error {
	today := dateKey(now)
	if p.state.LastDailyResetDate == today {
		return nil
	}

	restored := 0
	for _, acc := range p.accounts {
		for _, proj := range acc.Projects {
			proj.Stats.RequestsToday = 0
			proj.Limits.MinuteRequestCount = 0
			if proj.Status == StatusExhausted {
				proj.Status = StatusAvailable
				proj.Limits.DailyLimitResetAt = nil
				restored++
			}
			if err := p.saveProject(ctx, acc, proj); err != nil {
				return err
			}
		}
	}

	p.logger.Info("Daily reset",
		zap.String("previous", p.state.LastDailyResetDate),
		zap.String("today", today),
		zap.Int("restored", restored),
	)
	p.state.LastDailyResetDate = today
	return p.saveState(ctx)
}

func (p *Pool) dimensions() (int, int) {
	numProjects := 1
	for _, acc := range p.accounts {
		if len(acc.Projects) > numProjects {
			numProjects = len(acc.Projects)
		}
	}
	return len(p.accounts), numProjects
}

// cursor returns the rotation cursor folded into the current bounds. Accounts
// and projects can be added or removed between draws, so it is never cached.
func (p *Pool) cursor(numAccounts, numProjects int) (int, int) {
	a, pr := p.state.AccountCursor, p.state.ProjectCursor
	if a < 0 {
		a = 0
	}
	if pr < 0 {
		pr = 0
	}
	return a % numAccounts, pr % numProjects
}

// advance moves one slot forward, account first. Wrapping the project
// column completes a round.
func advance(accCur, projCur, numAccounts, numProjects int) (int, int, bool) {
	accCur++
	if accCur < numAccounts {
		return accCur, projCur, false
	}
	accCur = 0
	projCur++
	if projCur < numProjects {
		return accCur, projCur, false
	}
	return 0, 0, true
}

func (p *Pool) credential(acc *Account, proj *Project) Credential {
	return Credential{
		Key:          Key(acc.ID, proj.Index),
		AccountID:    acc.ID,
		ProjectIndex: proj.Index,
		Secret:       proj.Secret,
	}
}

// slot returns the project at (accCur, projCur) if the account is active and
// has that many projects.
func (p *Pool) slot(accCur, projCur int) (*Account, *Project) {
	acc := p.accounts[accCur]
	if acc.Status != AccountActive || projCur >= len(acc.Projects) {
		return acc, nil
	}
	return acc, acc.Projects[projCur]
}

// available is the side-effecting form of IsAvailable: it applies a due
// recovery and persists it. The recovery stays applied in memory when the
// write fails.
func (p *Pool) available(ctx context.Context, acc *Account, proj *Project, now time.Time) (bool, error) {
	var err error
	if recoverProject(proj, now) {
		p.logger.Info("Credential recovered",
			zap.String("credential", Key(acc.ID, proj.Index)),
		)
		err = p.saveProject(ctx, acc, proj)
	}
	return proj.Status == StatusAvailable, err
}

// Next draws the next available credential by horizontal sweep.
func (p *Pool) Next(ctx context.Context) (Credential, error) {
	return p.NextMatching(ctx, nil)
}

// NextMatching sweeps at most accounts × projects slots from the cursor,
// accounts first, and returns the first available credential accept allows.
// On a hit the cursor moves past the winner. A miss leaves the rotation state
// where it was. A failed write is returned after the in-memory state has
// moved on, and the drawn credential is then not handed out.
func (p *Pool) NextMatching(ctx context.Context, accept func(Credential) bool) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	numAccounts, numProjects := p.dimensions()
	if numAccounts == 0 {
		return Credential{}, ErrNoCredentialAvailable
	}

	now := p.now()
	start := p.state
	accCur, projCur := p.cursor(numAccounts, numProjects)
	round := p.state.RotationRound

	var persistErr error
	for i := 0; i < numAccounts*numProjects; i++ {
		acc, proj := p.slot(accCur, projCur)
		nextAcc, nextProj, wrapped := advance(accCur, projCur, numAccounts, numProjects)
		if wrapped {
			round++
		}

		if proj != nil {
			ok, err := p.available(ctx, acc, proj, now)
			persistErr = errors.Join(persistErr, err)
			cred := p.credential(acc, proj)
			if ok && (accept == nil || accept(cred)) {
				p.state.AccountCursor = nextAcc
				p.state.ProjectCursor = nextProj
				p.state.RotationRound = round
				p.state.TotalRequestsDispatched++
				if err := errors.Join(persistErr, p.saveState(ctx)); err != nil {
					return Credential{}, err
				}
				return cred, nil
			}
		}
		accCur, projCur = nextAcc, nextProj
	}

	p.state = start
	p.state.AccountCursor, p.state.ProjectCursor = p.cursor(numAccounts, numProjects)
	return Credential{}, errors.Join(ErrNoCredentialAvailable, persistErr, p.saveState(ctx))
}

// Take dispatches a specific credential, moving the cursor past it as if the
// sweep had landed there.
func (p *Pool) Take(ctx context.Context, key string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, proj, err := p.lookup(key)
	if err != nil {
		return Credential{}, err
	}
	if acc.Status != AccountActive {
		return Credential{}, fmt.Errorf("%w: account of %s is %s", ErrNoCredentialAvailable, key, acc.Status)
	}
	ok, err := p.available(ctx, acc, proj, p.now())
	if err != nil {
		return Credential{}, err
	}
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s is %s", ErrNoCredentialAvailable, key, proj.Status)
	}

	accIdx := 0
	for i, a := range p.accounts {
		if a == acc {
			accIdx = i
		}
	}
	numAccounts, numProjects := p.dimensions()
	nextAcc, nextProj, wrapped := advance(accIdx, proj.Index, numAccounts, numProjects)
	if wrapped {
		p.state.RotationRound++
	}
	p.state.AccountCursor = nextAcc
	p.state.ProjectCursor = nextProj
	p.state.TotalRequestsDispatched++
	if err := p.saveState(ctx); err != nil {
		return Credential{}, err
	}
	return p.credential(acc, proj), nil
}

// Available lists every dispatchable credential in sweep order starting at
// the cursor. Due recoveries are applied; the error reports recoveries that
// could not be persisted.
func (p *Pool) Available(ctx context.Context) ([]Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	numAccounts, numProjects := p.dimensions()
	if numAccounts == 0 {
		return nil, nil
	}

	now := p.now()
	accCur, projCur := p.cursor(numAccounts, numProjects)
	var (
		out        []Credential
		persistErr error
	)
	for i := 0; i < numAccounts*numProjects; i++ {
		acc, proj := p.slot(accCur, projCur)
		if proj != nil {
			ok, err := p.available(ctx, acc, proj, now)
			persistErr = errors.Join(persistErr, err)
			if ok {
				out = append(out, p.credential(acc, proj))
			}
		}
		accCur, projCur, _ = advance(accCur, projCur, numAccounts, numProjects)
	}
	return out, persistErr
}

func (p *Pool) lookup(key string) (*Account, *Project, error) {
	accountID, idx, err := ParseKey(key)
	if err != nil {
		return nil, nil, err
	}
	for _, acc := range p.accounts {
		if acc.ID != accountID {
			continue
		}
		if idx < len(acc.Projects) {
			return acc, acc.Projects[idx], nil
		}
		break
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCredential, key)
}

// Project returns a copy of the project behind key.
func (p *Pool) Project(key string) (*Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, proj, err := p.lookup(key)
	if err != nil {
		return nil, err
	}
	return proj.Clone(), nil
}

func (p *Pool) RecordSuccess(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, proj, err := p.lookup(key)
	if err != nil {
		return err
	}

	now := p.now()
	if last := proj.Limits.LastUsedAt; last == nil || !last.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
		proj.Limits.MinuteRequestCount = 0
	}
	proj.Limits.MinuteRequestCount++
	proj.Stats.RequestsToday++
	proj.Stats.SuccessCount++
	proj.Stats.LastSuccessAt = &now
	proj.Limits.LastUsedAt = cloneTime(&now)
	return p.saveProject(ctx, acc, proj)
}

func (p *Pool) RecordRateLimited(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, proj, err := p.lookup(key)
	if err != nil {
		return err
	}

	now := p.now()
	reset := now.Add(p.cooldown)
	proj.Limits.LastUsedAt = &now
	proj.Limits.MinuteRequestCount = 0
	if proj.Status != StatusDisabled {
		proj.Status = StatusRateLimited
		proj.Limits.RateLimitResetAt = &reset
	}
	p.logger.Info("Credential rate limited",
		zap.String("credential", key),
		zap.Time("reset_at", reset),
	)
	return p.saveProject(ctx, acc, proj)
}

func (p *Pool) RecordQuotaExhausted(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, proj, err := p.lookup(key)
	if err != nil {
		return err
	}

	now := p.now()
	reset := nextMidnight(now)
	proj.Limits.LastUsedAt = &now
	if proj.Status != StatusDisabled {
		proj.Status = StatusExhausted
		proj.Limits.DailyLimitResetAt = &reset
	}
	p.logger.Info("Credential quota exhausted",
		zap.String("credential", key),
		zap.Time("reset_at", reset),
	)
	return p.saveProject(ctx, acc, proj)
}

// RecordError counts an error. Only messages that point at a bad key move the
// project to the error state; other errors leave it available.
func (p *Pool) RecordError(ctx context.Context, key, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, proj, err := p.lookup(key)
	if err != nil {
		return err
	}

	now := p.now()
	proj.Stats.ErrorCount++
	proj.Stats.LastError = message
	proj.Limits.LastUsedAt = &now
	if isInvalidCredential(message) && proj.Status != StatusDisabled {
		proj.Status = StatusError
		p.logger.Warn("Credential marked invalid",
			zap.String("credential", key),
			zap.String("error", message),
		)
	}
	return p.saveProject(ctx, acc, proj)
}

// ResetAll returns every rate_limited, exhausted and error project to
// available. Disabled projects are left alone.
func (p *Pool) ResetAll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, acc := range p.accounts {
		for _, proj := range acc.Projects {
			switch proj.Status {
			case StatusRateLimited, StatusExhausted, StatusError:
				proj.Status = StatusAvailable
				proj.Limits.RateLimitResetAt = nil
				proj.Limits.DailyLimitResetAt = nil
				n++
				if err := p.saveProject(ctx, acc, proj); err != nil {
					return n, err
				}
			}
		}
	}
	p.logger.Info("Reset all credentials", zap.Int("reset", n))
	return n, nil
}

// ResetProject is the manual way out of the error state.
func (p *Pool) ResetProject(ctx context.Context, key string) error {
	return p.SetProjectStatus(ctx, key, StatusAvailable)
}

func (p *Pool) SetProjectStatus(ctx context.Context, key string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acc, proj, err := p.lookup(key)
	if err != nil {
		return err
	}
	proj.Status = status
	if status == StatusAvailable || status == StatusDisabled {
		proj.Limits.RateLimitResetAt = nil
		proj.Limits.DailyLimitResetAt = nil
	}
	return p.saveProject(ctx, acc, proj)
}

// StickyProxy returns the proxy id last bound to key, or "".
func (p *Pool) StickyProxy(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, proj, err := p.lookup(key)
	if err != nil {
		return ""
	}
	return proj.StickyProxyID
}

func (p *Pool) SetStickyProxy(ctx context.Context, key, proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, proj, err := p.lookup(key)
	if err != nil {
		return err
	}
	if proj.StickyProxyID == proxyID {
		return nil
	}
	proj.StickyProxyID = proxyID
	return p.saveProject(ctx, acc, proj)
}

type PoolStats struct {
	TotalAccounts           int            `json:"total_accounts"`
	ActiveAccounts          int            `json:"active_accounts"`
	TotalProjects           int            `json:"total_projects"`
	CountsByStatus          map[Status]int `json:"counts_by_status"`
	RotationRound           int64          `json:"rotation_round"`
	TotalRequestsDispatched int64          `json:"total_requests_dispatched"`
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		TotalAccounts: len(p.accounts),
		CountsByStatus: map[Status]int{
			StatusAvailable:   0,
			StatusRateLimited: 0,
			StatusExhausted:   0,
			StatusError:       0,
			StatusDisabled:    0,
		},
		RotationRound:           p.state.RotationRound,
		TotalRequestsDispatched: p.state.TotalRequestsDispatched,
	}
	for _, acc := range p.accounts {
		if acc.Status == AccountActive {
			s.ActiveAccounts++
		}
		for _, proj := range acc.Projects {
			s.TotalProjects++
			s.CountsByStatus[proj.Status]++
		}
	}
	return s
}

// State returns a copy of the rotation state.
func (p *Pool) State() RotationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) saveProject(ctx context.Context, acc *Account, proj *Project) error {
	if err := p.store.SaveProject(ctx, acc.ID, proj); err != nil {
		p.logger.Error("Failed to persist project",
			zap.String("credential", Key(acc.ID, proj.Index)),
			zap.Error(err),
		)
		return fmt.Errorf("save project %s: %w", Key(acc.ID, proj.Index), err)
	}
	return nil
}

func (p *Pool) saveState(ctx context.Context) error {
	if err := p.store.SaveRotation(ctx, p.state); err != nil {
		p.logger.Error("Failed to persist rotation state", zap.Error(err))
		return fmt.Errorf("save rotation state: %w", err)
	}
	return nil
}
