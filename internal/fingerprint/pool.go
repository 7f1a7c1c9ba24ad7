package fingerprint

import (
	"errors"
	"math/rand/v2"
	"sync"
)

var ErrNoFingerprintAvailable = errors.New("no fingerprint available")

// Pool is a fixed set of profiles, each leased to at most one key at a time.
// Its size caps how many distinct credentials can be in flight at once.
type Pool struct {
	mu       sync.Mutex
	profiles []Profile
	holders  []string       // profile index -> key, "" when free
	leases   map[string]int // key -> profile index
	last     map[string]int // key -> profile index it held most recently
}

func NewPool(size int, clientProfiles []string, seed uint64) *Pool {
	if size < 1 {
		size = 1
	}
	if len(clientProfiles) == 0 {
		clientProfiles = DefaultClientProfiles
	}

	rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	profiles := make([]Profile, size)
	for i := range profiles {
		profiles[i] = generateProfile(i, clientProfiles[i%len(clientProfiles)], rnd)
	}

	return &Pool{
		profiles: profiles,
		holders:  make([]string, size),
		leases:   make(map[string]int),
		last:     make(map[string]int),
	}
}

// Lease returns the profile held by key, or takes a free one. The profile key
// held previously is preferred when it is still free.
func (p *Pool) Lease(key string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.leases[key]; ok {
		return p.profiles[idx], nil
	}

	idx := -1
	if prev, ok := p.last[key]; ok && p.holders[prev] == "" {
		idx = prev
	} else {
		for i, holder := range p.holders {
			if holder == "" {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return Profile{}, ErrNoFingerprintAvailable
	}

	p.holders[idx] = key
	p.leases[key] = idx
	p.last[key] = idx
	return p.profiles[idx], nil
}

func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.leases[key]
	if !ok {
		return
	}
	delete(p.leases, key)
	p.holders[idx] = ""
}

func (p *Pool) Holder(key string) (Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.leases[key]
	if !ok {
		return Profile{}, false
	}
	return p.profiles[idx], true
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

func (p *Pool) Size() int {
	return len(p.profiles)
}
