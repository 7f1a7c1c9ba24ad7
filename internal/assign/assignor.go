// Package assign binds a proxy and a fingerprint to a credential key while
// the key is in use.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yourneighborhoodchef/keysweep/internal/fingerprint"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
)

// ProxySource is the part of proxy.Pool the assignor draws from.
type ProxySource interface {
	Get(id string) (proxy.Proxy, bool)
	Healthy(id string) bool
	Len() int
	NextExcluding(exclude func(id string) bool) (proxy.Proxy, error)
}

type FingerprintLeaser interface {
	Lease(key string) (fingerprint.Profile, error)
	Release(key string)
}

// StickyStore persists the last proxy bound to each key. credential.Pool
// satisfies it.
type StickyStore interface {
	StickyProxy(key string) string
	SetStickyProxy(ctx context.Context, key, proxyID string) error
}

// Binding is what a key holds while bound. Proxy is nil when no proxies are
// configured and calls go out directly.
type Binding struct {
	Key         string
	Proxy       *proxy.Proxy
	Fingerprint fingerprint.Profile
}

type Options struct {
	// ShareWhenExhausted lets a key bind a proxy another key already holds
	// once no free healthy proxy is left. Off, the bind fails instead.
	ShareWhenExhausted bool
	Logger             *zap.Logger
}

type binding struct {
	proxyID string
	refs    int
}

type Assignor struct {
	mu       sync.Mutex
	bindings map[string]*binding
	inUse    map[string]int // proxy id -> number of keys bound to it

	proxies      ProxySource
	fingerprints FingerprintLeaser
	sticky       StickyStore
	share        bool
	logger       *zap.Logger
}

func New(proxies ProxySource, fingerprints FingerprintLeaser, sticky StickyStore, opts Options) *Assignor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Assignor{
		bindings:     make(map[string]*binding),
		inUse:        make(map[string]int),
		proxies:      proxies,
		fingerprints: fingerprints,
		sticky:       sticky,
		share:        opts.ShareWhenExhausted,
		logger:       opts.Logger.Named("assign"),
	}
}

// Bind returns key's binding, creating it if key holds none. Every successful
// Bind must be paired with a Release.
func (a *Assignor) Bind(ctx context.Context, key string) (Binding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.bindings[key]; ok {
		fp, err := a.fingerprints.Lease(key)
		if err != nil {
			return Binding{}, err
		}
		b.refs++
		return a.snapshot(key, b.proxyID, fp), nil
	}

	fp, err := a.fingerprints.Lease(key)
	if err != nil {
		return Binding{}, err
	}

	proxyID, err := a.pickProxy(key)
	if err != nil {
		a.fingerprints.Release(key)
		return Binding{}, err
	}

	a.bindings[key] = &binding{proxyID: proxyID, refs: 1}
	if proxyID != "" {
		a.inUse[proxyID]++
		if a.sticky != nil && a.sticky.StickyProxy(key) != proxyID {
			if err := a.sticky.SetStickyProxy(ctx, key, proxyID); err != nil {
				a.logger.Warn("Failed to persist sticky proxy",
					zap.String("credential", key),
					zap.String("proxy_id", proxyID),
					zap.Error(err),
				)
			}
		}
	}
	return a.snapshot(key, proxyID, fp), nil
}

// pickProxy prefers key's sticky proxy, then any healthy proxy no other key
// holds. It returns "" when there are no proxies at all.
func (a *Assignor) pickProxy(key string) (string, error) {
	if a.proxies == nil || a.proxies.Len() == 0 {
		return "", nil
	}

	if a.sticky != nil {
		if id := a.sticky.StickyProxy(key); id != "" && a.inUse[id] == 0 && a.proxies.Healthy(id) {
			return id, nil
		}
	}

	px, err := a.proxies.NextExcluding(func(id string) bool { return a.inUse[id] > 0 })
	if errors.Is(err, proxy.ErrNoProxyAvailable) && a.share {
		px, err = a.proxies.NextExcluding(nil)
		if err == nil {
			a.logger.Debug("Sharing proxy",
				zap.String("credential", key),
				zap.String("proxy_id", px.ID),
			)
		}
	}
	if err != nil {
		return "", fmt.Errorf("bind %s: %w", key, err)
	}
	return px.ID, nil
}

func (a *Assignor) snapshot(key, proxyID string, fp fingerprint.Profile) Binding {
	b := Binding{Key: key, Fingerprint: fp}
	if proxyID != "" {
		if px, ok := a.proxies.Get(proxyID); ok {
			b.Proxy = &px
		}
	}
	return b
}

// Release drops one reference to key's binding. The proxy and fingerprint go
// back to their pools with the last reference. failed clears the sticky proxy
// so the next Bind for key picks afresh.
func (a *Assignor) Release(ctx context.Context, key string, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.bindings[key]
	if !ok {
		return
	}

	if failed && a.sticky != nil && b.proxyID != "" {
		if err := a.sticky.SetStickyProxy(ctx, key, ""); err != nil {
			a.logger.Warn("Failed to clear sticky proxy",
				zap.String("credential", key),
				zap.Error(err),
			)
		}
	}

	b.refs--
	if b.refs > 0 {
		return
	}

	delete(a.bindings, key)
	if b.proxyID != "" {
		a.inUse[b.proxyID]--
		if a.inUse[b.proxyID] <= 0 {
			delete(a.inUse, b.proxyID)
		}
	}
	a.fingerprints.Release(key)
}

// Bound is the number of keys currently holding a binding.
func (a *Assignor) Bound() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bindings)
}

// ProxyHolders reports how many keys hold proxyID.
func (a *Assignor) ProxyHolders(proxyID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[proxyID]
}
