// Package memory keeps persisted state in process memory. State is lost on
// restart; it backs tests and single-shot runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
)

type Store struct {
	mu       sync.Mutex
	accounts []*credential.Account
	rotation *credential.RotationState
	proxies  []*proxy.Proxy
}

func New() *Store {
	return &Store{}
}

func (s *Store) LoadAccounts(ctx context.Context) ([]*credential.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*credential.Account, len(s.accounts))
	for i, acc := range s.accounts {
		out[i] = acc.Clone()
	}
	return out, nil
}

func (s *Store) SaveAccount(ctx context.Context, a *credential.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, acc := range s.accounts {
		if acc.ID == a.ID {
			s.accounts[i] = a.Clone()
			return nil
		}
	}
	s.accounts = append(s.accounts, a.Clone())
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, acc := range s.accounts {
		if acc.ID == id {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) SaveProject(ctx context.Context, accountID string, p *credential.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.ID != accountID {
			continue
		}
		switch {
		case p.Index < len(acc.Projects):
			acc.Projects[p.Index] = p.Clone()
		case p.Index == len(acc.Projects):
			acc.Projects = append(acc.Projects, p.Clone())
		default:
			return fmt.Errorf("project %s out of order", credential.Key(accountID, p.Index))
		}
		return nil
	}
	return fmt.Errorf("account %s not stored", accountID)
}

func (s *Store) LoadRotation(ctx context.Context) (*credential.RotationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotation == nil {
		return nil, nil
	}
	state := *s.rotation
	return &state, nil
}

func (s *Store) SaveRotation(ctx context.Context, state credential.RotationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation = &state
	return nil
}

func (s *Store) LoadProxies(ctx context.Context) ([]*proxy.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proxy.Proxy, len(s.proxies))
	for i, px := range s.proxies {
		out[i] = copyProxy(px)
	}
	return out, nil
}

func (s *Store) SaveProxy(ctx context.Context, p *proxy.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, px := range s.proxies {
		if px.ID == p.ID {
			s.proxies[i] = copyProxy(p)
			return nil
		}
	}
	s.proxies = append(s.proxies, copyProxy(p))
	return nil
}

func (s *Store) DeleteProxy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, px := range s.proxies {
		if px.ID == id {
			s.proxies = append(s.proxies[:i], s.proxies[i+1:]...)
			return nil
		}
	}
	return nil
}

func copyProxy(p *proxy.Proxy) *proxy.Proxy {
	c := *p
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
