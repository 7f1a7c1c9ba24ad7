// Package postgres persists pool state in PostgreSQL. Every save is a
// whole-record upsert.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
	"github.com/yourneighborhoodchef/keysweep/internal/proxy"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Migrate brings the schema up to date.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Open connects and migrates.
func Open(databaseURL string, maxOpen, maxIdle int) (*Store, error) {
	db, err := NewConnection(databaseURL, maxOpen, maxIdle)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

type accountRow struct {
	ID        string    `db:"id"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

type projectRow struct {
	AccountID          string     `db:"account_id"`
	Idx                int        `db:"idx"`
	Secret             string     `db:"secret"`
	Status             string     `db:"status"`
	RequestsToday      int        `db:"requests_today"`
	SuccessCount       int64      `db:"success_count"`
	ErrorCount         int64      `db:"error_count"`
	LastSuccessAt      *time.Time `db:"last_success_at"`
	LastError          string     `db:"last_error"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	MinuteRequestCount int        `db:"minute_request_count"`
	RateLimitResetAt   *time.Time `db:"rate_limit_reset_at"`
	DailyLimitResetAt  *time.Time `db:"daily_limit_reset_at"`
	StickyProxyID      string     `db:"sticky_proxy_id"`
}

func toProjectRow(accountID string, p *credential.Project) projectRow {
	return projectRow{
		AccountID:          accountID,
		Idx:                p.Index,
		Secret:             p.Secret,
		Status:             string(p.Status),
		RequestsToday:      p.Stats.RequestsToday,
		SuccessCount:       p.Stats.SuccessCount,
		ErrorCount:         p.Stats.ErrorCount,
		LastSuccessAt:      p.Stats.LastSuccessAt,
		LastError:          p.Stats.LastError,
		LastUsedAt:         p.Limits.LastUsedAt,
		MinuteRequestCount: p.Limits.MinuteRequestCount,
		RateLimitResetAt:   p.Limits.RateLimitResetAt,
		DailyLimitResetAt:  p.Limits.DailyLimitResetAt,
		StickyProxyID:      p.StickyProxyID,
	}
}

func (r projectRow) project() *credential.Project {
	return &credential.Project{
		Index:  r.Idx,
		Secret: r.Secret,
		Status: credential.Status(r.Status),
		Stats: credential.Stats{
			RequestsToday: r.RequestsToday,
			SuccessCount:  r.SuccessCount,
			ErrorCount:    r.ErrorCount,
			LastSuccessAt: r.LastSuccessAt,
			LastError:     r.LastError,
		},
		Limits: credential.LimitTracking{
			LastUsedAt:         r.LastUsedAt,
			MinuteRequestCount: r.MinuteRequestCount,
			RateLimitResetAt:   r.RateLimitResetAt,
			DailyLimitResetAt:  r.DailyLimitResetAt,
		},
		StickyProxyID: r.StickyProxyID,
	}
}

const upsertProject = `
	INSERT INTO projects (
		account_id, idx, secret, status, requests_today, success_count,
		error_count, last_success_at, last_error, last_used_at,
		minute_request_count, rate_limit_reset_at, daily_limit_reset_at,
		sticky_proxy_id, updated_at
	) VALUES (
		:account_id, :idx, :secret, :status, :requests_today, :success_count,
		:error_count, :last_success_at, :last_error, :last_used_at,
		:minute_request_count, :rate_limit_reset_at, :daily_limit_reset_at,
		:sticky_proxy_id, NOW()
	)
	ON CONFLICT (account_id, idx) DO UPDATE SET
		secret = EXCLUDED.secret,
		status = EXCLUDED.status,
		requests_today = EXCLUDED.requests_today,
		success_count = EXCLUDED.success_count,
		error_count = EXCLUDED.error_count,
		last_success_at = EXCLUDED.last_success_at,
		last_error = EXCLUDED.last_error,
		last_used_at = EXCLUDED.last_used_at,
		minute_request_count = EXCLUDED.minute_request_count,
		rate_limit_reset_at = EXCLUDED.rate_limit_reset_at,
		daily_limit_reset_at = EXCLUDED.daily_limit_reset_at,
		sticky_proxy_id = EXCLUDED.sticky_proxy_id,
		updated_at = NOW()`

func (s *Store) LoadAccounts(ctx context.Context) ([]*credential.Account, error) {
	accounts := []accountRow{}
	if err := s.db.SelectContext(ctx, &accounts,
		`SELECT id, status, created_at FROM accounts ORDER BY position`); err != nil {
		return nil, err
	}

	projects := []projectRow{}
	if err := s.db.SelectContext(ctx, &projects, `
		SELECT account_id, idx, secret, status, requests_today, success_count,
		       error_count, last_success_at, last_error, last_used_at,
		       minute_request_count, rate_limit_reset_at, daily_limit_reset_at,
		       sticky_proxy_id
		FROM projects
		ORDER BY account_id, idx`); err != nil {
		return nil, err
	}

	byID := make(map[string]*credential.Account, len(accounts))
	out := make([]*credential.Account, 0, len(accounts))
	for _, row := range accounts {
		acc := &credential.Account{
			ID:        row.ID,
			Status:    credential.AccountStatus(row.Status),
			CreatedAt: row.CreatedAt,
		}
		byID[row.ID] = acc
		out = append(out, acc)
	}
	for _, row := range projects {
		acc, ok := byID[row.AccountID]
		if !ok {
			continue
		}
		acc.Projects = append(acc.Projects, row.project())
	}
	return out, nil
}

func (s *Store) SaveAccount(ctx context.Context, a *credential.Account) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, status, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		a.ID, string(a.Status), a.CreatedAt); err != nil {
		return err
	}
	for _, p := range a.Projects {
		if _, err := tx.NamedExecContext(ctx, upsertProject, toProjectRow(a.ID, p)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}

func (s *Store) SaveProject(ctx context.Context, accountID string, p *credential.Project) error {
	_, err := s.db.NamedExecContext(ctx, upsertProject, toProjectRow(accountID, p))
	return err
}

type rotationRow struct {
	AccountCursor           int    `db:"account_cursor"`
	ProjectCursor           int    `db:"project_cursor"`
	RotationRound           int64  `db:"rotation_round"`
	TotalRequestsDispatched int64  `db:"total_requests_dispatched"`
	LastDailyResetDate      string `db:"last_daily_reset_date"`
}

func (s *Store) LoadRotation(ctx context.Context) (*credential.RotationState, error) {
	var row rotationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_cursor, project_cursor, rotation_round,
		       total_requests_dispatched, last_daily_reset_date
		FROM rotation_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &credential.RotationState{
		AccountCursor:           row.AccountCursor,
		ProjectCursor:           row.ProjectCursor,
		RotationRound:           row.RotationRound,
		TotalRequestsDispatched: row.TotalRequestsDispatched,
		LastDailyResetDate:      row.LastDailyResetDate,
	}, nil
}

func (s *Store) SaveRotation(ctx context.Context, st credential.RotationState) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO rotation_state (
			id, account_cursor, project_cursor, rotation_round,
			total_requests_dispatched, last_daily_reset_date, updated_at
		) VALUES (
			1, :account_cursor, :project_cursor, :rotation_round,
			:total_requests_dispatched, :last_daily_reset_date, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			account_cursor = EXCLUDED.account_cursor,
			project_cursor = EXCLUDED.project_cursor,
			rotation_round = EXCLUDED.rotation_round,
			total_requests_dispatched = EXCLUDED.total_requests_dispatched,
			last_daily_reset_date = EXCLUDED.last_daily_reset_date,
			updated_at = NOW()`,
		rotationRow{
			AccountCursor:           st.AccountCursor,
			ProjectCursor:           st.ProjectCursor,
			RotationRound:           st.RotationRound,
			TotalRequestsDispatched: st.TotalRequestsDispatched,
			LastDailyResetDate:      st.LastDailyResetDate,
		})
	return err
}

type proxyRow struct {
	ID           string     `db:"id"`
	Host         string     `db:"host"`
	Port         int        `db:"port"`
	Username     string     `db:"username"`
	Password     string     `db:"password"`
	Transport    string     `db:"transport"`
	Enabled      bool       `db:"enabled"`
	SuccessCount int64      `db:"success_count"`
	FailedCount  int        `db:"failed_count"`
	LastUsedAt   *time.Time `db:"last_used_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

func (s *Store) LoadProxies(ctx context.Context) ([]*proxy.Proxy, error) {
	rows := []proxyRow{}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, host, port, username, password, transport, enabled,
		       success_count, failed_count, last_used_at, created_at
		FROM proxies ORDER BY created_at, id`); err != nil {
		return nil, err
	}

	out := make([]*proxy.Proxy, 0, len(rows))
	for _, r := range rows {
		out = append(out, &proxy.Proxy{
			ID:           r.ID,
			Host:         r.Host,
			Port:         r.Port,
			Username:     r.Username,
			Password:     r.Password,
			Transport:    proxy.Transport(r.Transport),
			Enabled:      r.Enabled,
			SuccessCount: r.SuccessCount,
			FailedCount:  r.FailedCount,
			LastUsedAt:   r.LastUsedAt,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) SaveProxy(ctx context.Context, p *proxy.Proxy) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO proxies (
			id, host, port, username, password, transport, enabled,
			success_count, failed_count, last_used_at, created_at
		) VALUES (
			:id, :host, :port, :username, :password, :transport, :enabled,
			:success_count, :failed_count, :last_used_at, :created_at
		)
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			transport = EXCLUDED.transport,
			enabled = EXCLUDED.enabled,
			success_count = EXCLUDED.success_count,
			failed_count = EXCLUDED.failed_count,
			last_used_at = EXCLUDED.last_used_at`,
		proxyRow{
			ID:           p.ID,
			Host:         p.Host,
			Port:         p.Port,
			Username:     p.Username,
			Password:     p.Password,
			Transport:    string(p.Transport),
			Enabled:      p.Enabled,
			SuccessCount: p.SuccessCount,
			FailedCount:  p.FailedCount,
			LastUsedAt:   p.LastUsedAt,
			CreatedAt:    p.CreatedAt,
		})
	return err
}

func (s *Store) DeleteProxy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	return err
}
