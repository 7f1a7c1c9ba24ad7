// Package scheduler serializes calls per credential key and spaces them with a
// randomized cooldown.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultCooldownMin = 10 * time.Second
	DefaultCooldownMax = 20 * time.Second
)

// Throttle gates every call after its per-key waits. ratelimit.Throttle
// satisfies it.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Observer receives the two waits each call went through.
type Observer interface {
	ObserveQueueWait(d time.Duration)
	ObserveCooldownWait(d time.Duration)
}

type Options struct {
	CooldownMin time.Duration
	CooldownMax time.Duration
	Throttle    Throttle
	Observer    Observer
	Now         func() time.Time
	// Jitter returns a value in [0,1) used to place the cooldown between
	// CooldownMin and CooldownMax.
	Jitter func() float64
}

type keyState struct {
	tail    chan struct{} // closed when the most recently queued call finishes
	readyAt time.Time
	pending int
}

type Scheduler struct {
	mu   sync.Mutex
	keys map[string]*keyState

	min, max time.Duration
	throttle Throttle
	observer Observer
	now      func() time.Time
	jitter   func() float64
}

func New(opts Options) *Scheduler {
	if opts.CooldownMin < 0 {
		opts.CooldownMin = 0
	}
	if opts.CooldownMax < opts.CooldownMin {
		opts.CooldownMax = opts.CooldownMin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	return &Scheduler{
		keys:     make(map[string]*keyState),
		min:      opts.CooldownMin,
		max:      opts.CooldownMax,
		throttle: opts.Throttle,
		observer: opts.Observer,
		now:      opts.Now,
		jitter:   opts.Jitter,
	}
}

func (s *Scheduler) state(key string) *keyState {
	st, ok := s.keys[key]
	if !ok {
		st = &keyState{}
		s.keys[key] = st
	}
	return st
}

func (s *Scheduler) cooldown() time.Duration {
	span := s.max - s.min
	if span <= 0 {
		return s.min
	}
	return s.min + time.Duration(s.jitter()*float64(span))
}

// Run executes fn once every earlier call for key has finished and key's
// cooldown has passed. Calls for one key run in arrival order and never
// overlap; calls for different keys are independent. A new cooldown starts
// when fn returns, whatever it returned.
//
// If ctx ends while waiting, Run returns ctx.Err() without calling fn. Later
// calls for key still wait for the calls queued ahead of this one.
func (s *Scheduler) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	leave, err := s.Enter(ctx, key)
	if err != nil {
		return err
	}
	defer leave(true)
	return fn(ctx)
}

// Enter blocks like Run until key's turn has come and returns leave, which
// hands the key to the next caller. leave(true) starts the cooldown;
// leave(false) gives the turn up without one. Only the first call of leave
// has an effect.
func (s *Scheduler) Enter(ctx context.Context, key string) (leave func(ran bool), err error) {
	s.mu.Lock()
	st := s.state(key)
	prev := st.tail
	done := make(chan struct{})
	st.tail = done
	st.pending++
	s.mu.Unlock()

	queued := s.now()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				s.finish(key, done, false)
			}()
			return nil, ctx.Err()
		}
	}
	if s.observer != nil {
		s.observer.ObserveQueueWait(s.now().Sub(queued))
	}

	s.mu.Lock()
	wait := st.readyAt.Sub(s.now())
	s.mu.Unlock()
	if wait > 0 {
		if s.observer != nil {
			s.observer.ObserveCooldownWait(wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.finish(key, done, false)
			return nil, ctx.Err()
		}
	}

	if s.throttle != nil {
		if err := s.throttle.Wait(ctx); err != nil {
			s.finish(key, done, false)
			return nil, err
		}
	}

	var once sync.Once
	return func(ran bool) {
		once.Do(func() { s.finish(key, done, ran) })
	}, nil
}

// finish releases the next call in line. When ran is set the key's cooldown
// is restarted first, so the next call always sees it.
func (s *Scheduler) finish(key string, done chan struct{}, ran bool) {
	s.mu.Lock()
	st := s.keys[key]
	if ran {
		st.readyAt = s.now().Add(s.cooldown())
	}
	st.pending--
	if st.pending == 0 && st.tail == done && !s.now().Before(st.readyAt) {
		delete(s.keys, key)
	}
	s.mu.Unlock()
	close(done)
}

// ReadyAt is the earliest time a new call for key could start its work,
// ignoring calls already queued.
func (s *Scheduler) ReadyAt(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.keys[key]; ok {
		return st.readyAt
	}
	return time.Time{}
}

// Pending is the number of calls for key that are queued or running.
func (s *Scheduler) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.keys[key]; ok {
		return st.pending
	}
	return 0
}

// Wait estimates how long a call submitted now for key would wait before
// running. Each call ahead of it is counted as one minimum cooldown.
func (s *Scheduler) Wait(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.keys[key]
	if !ok {
		return 0
	}
	wait := st.readyAt.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	if st.pending > 0 {
		wait += time.Duration(st.pending) * s.min
		if wait == 0 {
			wait = time.Nanosecond
		}
	}
	return wait
}

// Ready reports whether a call for key would start immediately.
func (s *Scheduler) Ready(key string) bool {
	return s.Wait(key) == 0
}
