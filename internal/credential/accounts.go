package credential

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type AccountSpec struct {
	ID   string   `mapstructure:"id" json:"id"`
	Keys []string `mapstructure:"keys" json:"keys"`
}

func (p *Pool) findAccount(id string) *Account {
	for _, acc := range p.accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

// AddAccount creates an active account with one available project per secret.
func (p *Pool) AddAccount(ctx context.Context, id string, secrets []string) error {
	if id == "" {
		return fmt.Errorf("add account: empty id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.findAccount(id) != nil {
		return fmt.Errorf("%w: %s", ErrAccountExists, id)
	}

	acc := &Account{
		ID:        id,
		Status:    AccountActive,
		CreatedAt: p.now(),
	}
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		acc.Projects = append(acc.Projects, &Project{
			Index:  len(acc.Projects),
			Secret: secret,
			Status: StatusAvailable,
		})
	}
	p.accounts = append(p.accounts, acc)

	if err := p.store.SaveAccount(ctx, acc); err != nil {
		return fmt.Errorf("save account %s: %w", id, err)
	}
	p.logger.Info("Account added", zap.String("account", id), zap.Int("projects", len(acc.Projects)))
	return nil
}

// ImportAccounts adds unknown accounts and appends unseen secrets to known
// ones. Existing projects are never touched, so running it on every start is
// safe.
func (p *Pool) ImportAccounts(ctx context.Context, specs []AccountSpec) error {
	for _, spec := range specs {
		p.mu.Lock()
		acc := p.findAccount(spec.ID)
		p.mu.Unlock()

		if acc == nil {
			if err := p.AddAccount(ctx, spec.ID, spec.Keys); err != nil {
				return err
			}
			continue
		}
		if err := p.appendSecrets(ctx, spec.ID, spec.Keys); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) appendSecrets(ctx context.Context, id string, secrets []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc := p.findAccount(id)
	if acc == nil {
		return fmt.Errorf("%w: account %s", ErrUnknownCredential, id)
	}

	known := make(map[string]bool, len(acc.Projects))
	for _, proj := range acc.Projects {
		known[proj.Secret] = true
	}
	for _, secret := range secrets {
		if secret == "" || known[secret] {
			continue
		}
		known[secret] = true
		proj := &Project{
			Index:  len(acc.Projects),
			Secret: secret,
			Status: StatusAvailable,
		}
		acc.Projects = append(acc.Projects, proj)
		if err := p.saveProject(ctx, acc, proj); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) RemoveAccount(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, acc := range p.accounts {
		if acc.ID != id {
			continue
		}
		p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
		if err := p.store.DeleteAccount(ctx, id); err != nil {
			return fmt.Errorf("delete account %s: %w", id, err)
		}
		p.logger.Info("Account removed", zap.String("account", id))
		return nil
	}
	return fmt.Errorf("%w: account %s", ErrUnknownCredential, id)
}

func (p *Pool) SetAccountStatus(ctx context.Context, id string, status AccountStatus) error {
	if status != AccountActive && status != AccountDisabled {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acc := p.findAccount(id)
	if acc == nil {
		return fmt.Errorf("%w: account %s", ErrUnknownCredential, id)
	}
	acc.Status = status
	if err := p.store.SaveAccount(ctx, acc); err != nil {
		return fmt.Errorf("save account %s: %w", id, err)
	}
	return nil
}

// Accounts returns a deep copy of all accounts in rotation order.
func (p *Pool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Account, len(p.accounts))
	for i, acc := range p.accounts {
		out[i] = acc.Clone()
	}
	return out
}
