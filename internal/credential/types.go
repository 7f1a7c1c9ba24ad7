package credential

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoCredentialAvailable = errors.New("no credential available")
	ErrUnknownCredential     = errors.New("unknown credential")
	ErrAccountExists         = errors.New("account already exists")
	ErrInvalidStatus         = errors.New("invalid status")
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusRateLimited Status = "rate_limited"
	StatusExhausted   Status = "exhausted"
	StatusError       Status = "error"
	StatusDisabled    Status = "disabled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusRateLimited, StatusExhausted, StatusError, StatusDisabled:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

type Stats struct {
	RequestsToday int        `json:"requests_today"`
	SuccessCount  int64      `json:"success_count"`
	ErrorCount    int64      `json:"error_count"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type LimitTracking struct {
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	MinuteRequestCount int        `json:"minute_request_count"`
	RateLimitResetAt   *time.Time `json:"rate_limit_reset_at,omitempty"`
	DailyLimitResetAt  *time.Time `json:"daily_limit_reset_at,omitempty"`
}

// Project is the unit of rotation: one secret key under an account.
type Project struct {
	Index         int           `json:"index"`
	Secret        string        `json:"secret"`
	Status        Status        `json:"status"`
	Stats         Stats         `json:"stats"`
	Limits        LimitTracking `json:"limits"`
	StickyProxyID string        `json:"sticky_proxy_id,omitempty"`
}

type Account struct {
	ID        string        `json:"id"`
	Status    AccountStatus `json:"status"`
	Projects  []*Project    `json:"projects"`
	CreatedAt time.Time     `json:"created_at"`
}

type RotationState struct {
	AccountCursor           int    `json:"account_cursor"`
	ProjectCursor           int    `json:"project_cursor"`
	RotationRound           int64  `json:"rotation_round"`
	TotalRequestsDispatched int64  `json:"total_requests_dispatched"`
	LastDailyResetDate      string `json:"last_daily_reset_date"`
}

// Credential is what a caller dispatches with.
type Credential struct {
	Key          string `json:"key"`
	AccountID    string `json:"account_id"`
	ProjectIndex int    `json:"project_index"`
	Secret       string `json:"-"`
}

// Key identifies a project as "<account>/<index>".
func Key(accountID string, index int) string {
	return accountID + "/" + strconv.Itoa(index)
}

func ParseKey(key string) (string, int, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("%w: malformed key %q", ErrUnknownCredential, key)
	}
	idx, err := strconv.Atoi(key[i+1:])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("%w: malformed key %q", ErrUnknownCredential, key)
	}
	return key[:i], idx, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (p *Project) Clone() *Project {
	c := *p
	c.Stats.LastSuccessAt = cloneTime(p.Stats.LastSuccessAt)
	c.Limits.LastUsedAt = cloneTime(p.Limits.LastUsedAt)
	c.Limits.RateLimitResetAt = cloneTime(p.Limits.RateLimitResetAt)
	c.Limits.DailyLimitResetAt = cloneTime(p.Limits.DailyLimitResetAt)
	return &c
}

func (a *Account) Clone() *Account {
	c := *a
	c.Projects = make([]*Project, len(a.Projects))
	for i, p := range a.Projects {
		c.Projects[i] = p.Clone()
	}
	return &c
}
