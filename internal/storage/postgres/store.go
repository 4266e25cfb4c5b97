// Package postgres provides the Postgres-backed analysis store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/clock/system"
	"github.com/JakeFAU/site-analyzer/internal/id/uuid"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	PriorityOrder   analysis.PriorityOrder
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements analysis.Store on Postgres.
type Store struct {
	pool  pool
	clock analysis.Clock
	ids   analysis.IDGenerator
	order analysis.PriorityOrder
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(clock analysis.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides the record ID source.
func WithIDGenerator(ids analysis.IDGenerator) Option {
	return func(s *Store) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg.PriorityOrder, opts...)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, order analysis.PriorityOrder, opts ...Option) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	switch order {
	case "":
		order = analysis.PriorityAscending
	case analysis.PriorityAscending, analysis.PriorityDescending:
	default:
		return nil, fmt.Errorf("invalid priority order %q", order)
	}
	s := &Store{
		pool:  p,
		clock: system.New(),
		ids:   uuid.New(),
		order: order,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// withTx runs fn in a transaction, committing when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const teamForUserQuery = `
SELECT t.id, t.name, t.plan_name, t.subscription_status
FROM team_members m
JOIN teams t ON t.id = m.team_id
WHERE m.user_id = $1
ORDER BY m.created_at
LIMIT 1`

// TeamForUser resolves the caller's first team membership.
func (s *Store) TeamForUser(ctx context.Context, userID string) (analysis.Team, error) {
	var team analysis.Team
	err := s.pool.QueryRow(ctx, teamForUserQuery, userID).
		Scan(&team.ID, &team.Name, &team.PlanName, &team.SubscriptionStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Team{}, analysis.ErrNoTeam
	}
	if err != nil {
		return analysis.Team{}, fmt.Errorf("lookup team: %w", err)
	}
	return team, nil
}

const siteColumns = `id, url, team_id, name, description, is_active, created_at, updated_at`

// GetSite fetches a site by ID.
func (s *Store) GetSite(ctx context.Context, siteID string) (analysis.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, siteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Site{}, analysis.ErrSiteNotFound
	}
	if err != nil {
		return analysis.Site{}, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

func scanSite(row pgx.Row) (analysis.Site, error) {
	var site analysis.Site
	err := row.Scan(
		&site.ID,
		&site.URL,
		&site.TeamID,
		&site.Name,
		&site.Description,
		&site.IsActive,
		&site.CreatedAt,
		&site.UpdatedAt,
	)
	return site, err
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ analysis.Store = (*Store)(nil)
