// Package dispatch hands out credentials bound to a proxy and a fingerprint,
// takes back the outcome of each call and retries across credentials.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourneighborhoodchef/keysweep/internal/assign"
	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/fingerprint"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
	"github.com/yourneighborhoodchef/keysweep/internal/ratelimit"
	"github.com/yourneighborhoodchef/keysweep/internal/scheduler"
	"github.com/yourneighborhoodchef/keysweep/internal/selector"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetrySpacing = 2 * time.Second
)

// Call performs one outbound request through dc and classifies the result.
type Call func(ctx context.Context, dc *Context) Outcome

// Recorder receives dispatch metrics. metrics.Collector satisfies it.
type Recorder interface {
	RecordOutcome(outcome string)
	RecordAttempts(result string, attempts int)
	RecordProxyFailure(proxyID string)
}

type Pools struct {
	Credentials  *credential.Pool
	Proxies      *proxy.Pool
	Fingerprints *fingerprint.Pool
}

type Options struct {
	MaxAttempts  int
	RetrySpacing time.Duration
	// ShareProxies lets two keys use one proxy once every healthy proxy is
	// taken.
	ShareProxies bool
	Throttle     *ratelimit.Throttle
	Recorder     Recorder
	Logger       *zap.Logger
	Sleep        func(ctx context.Context, d time.Duration) error
}

type Dispatcher struct {
	credentials  *credential.Pool
	proxies      *proxy.Pool
	fingerprints *fingerprint.Pool
	assignor     *assign.Assignor
	scheduler    *scheduler.Scheduler
	selector     *selector.Selector
	throttle     *ratelimit.Throttle

	maxAttempts int
	spacing     time.Duration
	recorder    Recorder
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(pools Pools, sched *scheduler.Scheduler, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetrySpacing < 0 {
		opts.RetrySpacing = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	return &Dispatcher{
		credentials:  pools.Credentials,
		proxies:      pools.Proxies,
		fingerprints: pools.Fingerprints,
		assignor: assign.New(pools.Proxies, pools.Fingerprints, pools.Credentials, assign.Options{
			ShareWhenExhausted: opts.ShareProxies,
			Logger:             opts.Logger,
		}),
		scheduler:   sched,
		selector:    selector.New(pools.Credentials, sched),
		throttle:    opts.Throttle,
		maxAttempts: opts.MaxAttempts,
		spacing:     opts.RetrySpacing,
		recorder:    opts.Recorder,
		logger:      opts.Logger.Named("dispatch"),
		sleep:       opts.Sleep,
	}
}

// Acquire picks a credential, waits for its turn on the scheduler and binds a
// proxy and fingerprint to it. The credential stays held until the returned
// context is handed back through Report, which also starts its cooldown.
func (d *Dispatcher) Acquire(ctx context.Context) (*Context, error) {
	return d.acquire(ctx, nil, 1)
}

func (d *Dispatcher) acquire(ctx context.Context, exclude map[string]bool, attempt int) (*Context, error) {
	if err := d.credentials.CheckDailyReset(ctx); err != nil {
		d.logger.Warn("Daily reset check failed", zap.Error(err))
	}

	cred, err := d.selector.Pick(ctx, exclude)
	if err != nil {
		return nil, err
	}
	leave, err := d.scheduler.Enter(ctx, cred.Key)
	if err != nil {
		return nil, err
	}
	binding, err := d.assignor.Bind(ctx, cred.Key)
	if err != nil {
		leave(false)
		return nil, err
	}

	return &Context{
		leave:         leave,
		RequestID:     uuid.NewString(),
		CredentialKey: cred.Key,
		AccountID:     cred.AccountID,
		SecretKey:     cred.Secret,
		Proxy:         binding.Proxy,
		Fingerprint:   binding.Fingerprint,
		Attempt:       attempt,
	}, nil
}

// Report records outcome against the credential and proxy of dc, releases
// its binding and hands the credential to the next caller once its cooldown
// has passed. A transport failure is charged to the proxy only.
func (d *Dispatcher) Report(ctx context.Context, dc *Context, outcome Outcome) error {
	defer func() {
		d.assignor.Release(ctx, dc.CredentialKey, outcome.Failed())
		dc.done()
	}()

	if d.recorder != nil {
		d.recorder.RecordOutcome(string(outcome.Kind))
	}

	var err error
	switch outcome.Kind {
	case OutcomeSuccess:
		err = d.credentials.RecordSuccess(ctx, dc.CredentialKey)
		if dc.Proxy != nil {
			err = errors.Join(err, d.proxies.ReportSuccess(ctx, dc.Proxy.ID))
		}
	case OutcomeRateLimited:
		err = d.credentials.RecordRateLimited(ctx, dc.CredentialKey)
	case OutcomeQuotaExhausted:
		err = d.credentials.RecordQuotaExhausted(ctx, dc.CredentialKey)
	case OutcomeError:
		err = d.credentials.RecordError(ctx, dc.CredentialKey, outcome.Message)
	case OutcomeTransportFailure:
		if dc.Proxy != nil {
			if d.recorder != nil {
				d.recorder.RecordProxyFailure(dc.Proxy.ID)
			}
			err = d.proxies.ReportFailure(ctx, dc.Proxy.ID, outcome.Message)
		}
	default:
		err = fmt.Errorf("unknown outcome %q", outcome.Kind)
	}

	if err != nil {
		d.logger.Error("Failed to record outcome",
			zap.String("request_id", dc.RequestID),
			zap.String("credential", dc.CredentialKey),
			zap.Stringer("outcome", outcome),
			zap.Error(err),
		)
	}
	return err
}

// Do runs call with up to MaxAttempts distinct credentials until one
// succeeds. Each attempt is serialized with other calls on the same
// credential and honours its cooldown. A 429 is followed by the retry spacing
// before the next credential is tried. When every attempt was rate limited
// Do returns ErrAllRateLimited.
func (d *Dispatcher) Do(ctx context.Context, call Call) (*Context, error) {
	tried := make(map[string]bool)
	var (
		last        string
		lastOutcome Outcome
		attempts    int
		rateLimited int
	)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		dc, err := d.acquireNext(ctx, tried, last, attempt)
		if errors.Is(err, credential.ErrNoCredentialAvailable) && attempts > 0 {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				d.recordAttempts("canceled", attempts)
			} else {
				d.recordAttempts("unavailable", attempts)
			}
			return nil, err
		}

		outcome := d.run(ctx, dc, call)
		attempts++
		tried[dc.CredentialKey] = true
		last = dc.CredentialKey
		lastOutcome = outcome

		d.logger.Debug("Dispatch attempt",
			zap.String("request_id", dc.RequestID),
			zap.String("credential", dc.CredentialKey),
			zap.Int("attempt", attempt),
			zap.Stringer("outcome", outcome),
		)

		switch outcome.Kind {
		case OutcomeSuccess:
			d.recordAttempts("success", attempts)
			return dc, nil
		case OutcomeRateLimited:
			rateLimited++
			if attempt < d.maxAttempts && d.spacing > 0 {
				if err := d.sleep(ctx, d.spacing); err != nil {
					d.recordAttempts("canceled", attempts)
					return nil, err
				}
			}
		}
	}

	if rateLimited == attempts {
		d.recordAttempts("rate_limited", attempts)
		d.logger.Warn("All credentials rate limited", zap.Int("attempts", attempts))
		return nil, ErrAllRateLimited
	}
	d.recordAttempts("failed", attempts)
	return nil, fmt.Errorf("%w after %d attempts, last: %s", ErrAttemptsExhausted, attempts, lastOutcome)
}

// acquireNext prefers a credential not tried yet, then anything but the one
// just used, and reuses the last one only when it is all that is left.
func (d *Dispatcher) acquireNext(ctx context.Context, tried map[string]bool, last string, attempt int) (*Context, error) {
	if len(tried) == 0 {
		return d.acquire(ctx, nil, attempt)
	}
	dc, err := d.acquire(ctx, tried, attempt)
	if !errors.Is(err, credential.ErrNoCredentialAvailable) {
		return dc, err
	}
	dc, err = d.acquire(ctx, map[string]bool{last: true}, attempt)
	if !errors.Is(err, credential.ErrNoCredentialAvailable) {
		return dc, err
	}
	return d.acquire(ctx, nil, attempt)
}

// run executes call while dc holds its credential and reports the outcome.
// The binding and the scheduler turn are released on every path, including a
// panic in call.
func (d *Dispatcher) run(ctx context.Context, dc *Context, call Call) Outcome {
	reported := false
	defer func() {
		if !reported {
			d.assignor.Release(context.WithoutCancel(ctx), dc.CredentialKey, false)
			dc.done()
		}
	}()

	outcome := call(ctx, dc)
	reported = true
	_ = d.Report(context.WithoutCancel(ctx), dc, outcome)
	return outcome
}

func (d *Dispatcher) recordAttempts(result string, attempts int) {
	if d.recorder != nil {
		d.recorder.RecordAttempts(result, attempts)
	}
}

// Reload re-reads credentials and proxies from the store. Credential reload
// also runs the daily reset.
func (d *Dispatcher) Reload(ctx context.Context) error {
	if err := d.credentials.Reload(ctx); err != nil {
		return err
	}
	return d.proxies.Load(ctx)
}

// ResetAll returns every rate-limited, exhausted or errored credential to
// available.
func (d *Dispatcher) ResetAll(ctx context.Context) (int, error) {
	return d.credentials.ResetAll(ctx)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		PoolStats: d.credentials.Stats(),
		Proxies:   d.proxies.Stats(),
		Fingerprints: FingerprintStats{
			Size:  d.fingerprints.Size(),
			InUse: d.fingerprints.InUse(),
		},
		Bound:    d.assignor.Bound(),
		Throttle: d.throttle.Stats(),
	}
}

func (d *Dispatcher) Credentials() *credential.Pool { return d.credentials }

func (d *Dispatcher) Proxies() *proxy.Pool { return d.proxies }

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
