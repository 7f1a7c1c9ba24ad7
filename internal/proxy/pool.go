package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultFailureThreshold = 2

type Store interface {
	LoadProxies(ctx context.Context) ([]*Proxy, error)
	SaveProxy(ctx context.Context, p *Proxy) error
	DeleteProxy(ctx context.Context, id string) error
}

// Prober sends probeURL through proxyURL and reports the HTTP status it got back.
type Prober interface {
	Probe(ctx context.Context, proxyURL, probeURL string) (int, error)
}

type Options struct {
	FailureThreshold int
	Prober           Prober
	Logger           *zap.Logger
	Now              func() time.Time
}

type Pool struct {
	mu        sync.Mutex
	proxies   []*Proxy
	cursor    int
	threshold int

	store  Store
	prober Prober
	logger *zap.Logger
	now    func() time.Time
}

func NewPool(ctx context.Context, store Store, opts Options) (*Pool, error) {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		threshold: opts.FailureThreshold,
		store:     store,
		prober:    opts.Prober,
		logger:    opts.Logger.Named("proxy"),
		now:       opts.Now,
	}
	if err := p.Load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Load replaces the in-memory set with what the store holds.
func (p *Pool) Load(ctx context.Context) error {
	proxies, err := p.store.LoadProxies(ctx)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = proxies
	p.cursor = 0
	return nil
}

func (p *Pool) healthy(px *Proxy) bool {
	return px.Enabled && px.FailedCount < p.threshold
}

func (p *Pool) find(id string) *Proxy {
	for _, px := range p.proxies {
		if px.ID == id {
			return px
		}
	}
	return nil
}

// Next returns the next healthy proxy in round-robin order.
func (p *Pool) Next() (Proxy, error) {
	return p.NextExcluding(nil)
}

// NextExcluding is Next restricted to proxies for which exclude returns false.
// The cursor indexes the filtered list, so disabling or removing a proxy does
// not make the rotation skip over its neighbours.
func (p *Pool) NextExcluding(exclude func(id string) bool) (Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		if !p.healthy(px) {
			continue
		}
		if exclude != nil && exclude(px.ID) {
			continue
		}
		candidates = append(candidates, px)
	}
	if len(candidates) == 0 {
		return Proxy{}, ErrNoProxyAvailable
	}

	idx := p.cursor % len(candidates)
	p.cursor = idx + 1
	return candidates[idx].clone(), nil
}

func (p *Pool) Get(id string) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.find(id)
	if px == nil {
		return Proxy{}, false
	}
	return px.clone(), true
}

func (p *Pool) Healthy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.find(id)
	return px != nil && p.healthy(px)
}

// Len is the number of configured proxies, healthy or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

func (p *Pool) List() []Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		out = append(out, px.clone())
	}
	return out
}

func (p *Pool) ReportSuccess(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	px := p.find(id)
	if px == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, id)
	}
	now := p.now()
	px.SuccessCount++
	px.FailedCount = 0
	px.LastUsedAt = &now
	return p.save(ctx, px)
}

// ReportFailure counts a failure against the proxy and disables it once the
// threshold is reached. Disabled proxies stay disabled until a connectivity
// check succeeds or Reset is called.
func (p *Pool) ReportFailure(ctx context.Context, id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	px := p.find(id)
	if px == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, id)
	}
	px.FailedCount++
	if px.FailedCount >= p.threshold && px.Enabled {
		px.Enabled = false
		p.logger.Warn("Proxy disabled",
			zap.String("proxy_id", px.ID),
			zap.String("host", px.Host),
			zap.Int("failed_count", px.FailedCount),
			zap.String("reason", reason),
		)
	} else {
		p.logger.Debug("Proxy failure",
			zap.String("proxy_id", px.ID),
			zap.Int("failed_count", px.FailedCount),
			zap.String("reason", reason),
		)
	}
	return p.save(ctx, px)
}

// CheckConnectivity probes probeURL through the proxy. Any status in
// [200,500) other than 407 re-enables it and records a success without
// resetting FailedCount; everything else disables it and counts a failure.
//
// Selection requires FailedCount < threshold, so a proxy re-enabled with a
// count at or above the threshold would never be picked. Such a count is
// lowered to threshold-1: the proxy is selectable again and the next failure
// disables it. Counts already below the threshold are left unchanged.
func (p *Pool) CheckConnectivity(ctx context.Context, id, probeURL string) (bool, error) {
	if p.prober == nil {
		return false, fmt.Errorf("connectivity check for %s: no prober configured", id)
	}

	px, ok := p.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProxy, id)
	}

	status, probeErr := p.prober.Probe(ctx, px.URL(), probeURL)
	healthy := probeErr == nil && status >= 200 && status < 500 && status != 407

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.find(id)
	if cur == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownProxy, id)
	}
	if healthy {
		now := p.now()
		cur.Enabled = true
		cur.SuccessCount++
		cur.LastUsedAt = &now
		if cur.FailedCount >= p.threshold {
			cur.FailedCount = p.threshold - 1
		}
	} else {
		cur.Enabled = false
		cur.FailedCount++
		p.logger.Info("Proxy failed connectivity check",
			zap.String("proxy_id", id),
			zap.Int("status", status),
			zap.Error(probeErr),
		)
	}
	return healthy, p.save(ctx, cur)
}

// CheckAll probes every proxy with at most concurrency probes in flight.
func (p *Pool) CheckAll(ctx context.Context, probeURL string, concurrency int) (map[string]bool, error) {
	if concurrency <= 0 {
		concurrency = 8
	}

	proxies := p.List()
	results := make(map[string]bool, len(proxies))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, px := range proxies {
		id := px.ID
		g.Go(func() error {
			ok, err := p.CheckConnectivity(gctx, id, probeURL)
			mu.Lock()
			results[id] = ok
			mu.Unlock()
			if err != nil && gctx.Err() != nil {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func (p *Pool) Add(ctx context.Context, raw string) (Proxy, error) {
	px, err := Parse(raw)
	if err != nil {
		return Proxy{}, err
	}
	px.CreatedAt = p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.proxies {
		if existing.URL() == px.URL() {
			return existing.clone(), nil
		}
	}
	p.proxies = append(p.proxies, px)
	return px.clone(), p.save(ctx, px)
}

func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, px := range p.proxies {
		if px.ID == id {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			if err := p.store.DeleteProxy(ctx, id); err != nil {
				return fmt.Errorf("delete proxy %s: %w", id, err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownProxy, id)
}

// Reset re-enables a proxy and clears its failure count.
func (p *Pool) Reset(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.find(id)
	if px == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, id)
	}
	px.Enabled = true
	px.FailedCount = 0
	return p.save(ctx, px)
}

type Stats struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
	Healthy int `json:"healthy"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.proxies)}
	for _, px := range p.proxies {
		if px.Enabled {
			s.Enabled++
		}
		if p.healthy(px) {
			s.Healthy++
		}
	}
	return s
}

func (p *Pool) save(ctx context.Context, px *Proxy) error {
	if err := p.store.SaveProxy(ctx, px); err != nil {
		p.logger.Error("Failed to persist proxy", zap.String("proxy_id", px.ID), zap.Error(err))
		return fmt.Errorf("save proxy %s: %w", px.ID, err)
	}
	return nil
}
