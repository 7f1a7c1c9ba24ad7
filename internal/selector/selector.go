// Package selector decides which credential to dispatch next.
package selector

import (
	"context"
	"errors"
	"time"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
)

// Source is the part of credential.Pool the selector draws from.
type Source interface {
	NextMatching(ctx context.Context, accept func(credential.Credential) bool) (credential.Credential, error)
	Available(ctx context.Context) ([]credential.Credential, error)
	Take(ctx context.Context, key string) (credential.Credential, error)
}

// Clock estimates how long a call for key would wait before it runs.
// scheduler.Scheduler satisfies it.
type Clock interface {
	Wait(key string) time.Duration
}

type Selector struct {
	source Source
	clock  Clock
}

func New(source Source, clock Clock) *Selector {
	return &Selector{source: source, clock: clock}
}

// Pick returns the next credential that could run immediately, rotating from
// the credential used last. When none is ready it returns the one with the
// shortest wait and the caller queues on it. Keys in exclude are skipped;
// ErrNoCredentialAvailable is returned when nothing else is dispatchable.
func (s *Selector) Pick(ctx context.Context, exclude map[string]bool) (credential.Credential, error) {
	cred, err := s.source.NextMatching(ctx, func(c credential.Credential) bool {
		return !exclude[c.Key] && s.clock.Wait(c.Key) == 0
	})
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, credential.ErrNoCredentialAvailable) {
		return credential.Credential{}, err
	}

	available, err := s.source.Available(ctx)
	if err != nil {
		return credential.Credential{}, err
	}
	var (
		best     string
		bestWait time.Duration
	)
	for _, c := range available {
		if exclude[c.Key] {
			continue
		}
		wait := s.clock.Wait(c.Key)
		if best == "" || wait < bestWait {
			best, bestWait = c.Key, wait
		}
	}
	if best == "" {
		return credential.Credential{}, credential.ErrNoCredentialAvailable
	}
	return s.source.Take(ctx, best)
}
