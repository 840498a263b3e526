// Package postgres implements the quote store on PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stitchquote/api/internal/repositories"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Registry exposes the Postgres repositories over one connection pool.
type Registry struct {
	db *sql.DB
}

var _ repositories.Registry = (*Registry)(nil)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Registry, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewRegistry(db), nil
}

// NewRegistry wraps an existing pool.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// EnsureSchema creates the tables when they do not exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return wrapError("schema.ensure", err)
	}
	return nil
}

func (r *Registry) Quotes() repositories.QuoteRepository         { return &QuoteRepository{db: r.db} }
func (r *Registry) RateLimits() repositories.RateLimitRepository { return &RateLimitRepository{db: r.db} }
func (r *Registry) Usage() repositories.UsageRepository          { return &UsageRepository{db: r.db} }

func (r *Registry) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return wrapError("ping", err)
	}
	return nil
}

func (r *Registry) Close(context.Context) error {
	return r.db.Close()
}

// wrapError classifies driver errors into store error codes.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, "record not found", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, pqErr.Message, err)
		case "08", "53", "57":
			return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, pqErr.Message, err)
		}
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, pqErr.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrConnDone) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, "", err)
	}
	return repositories.NewStoreError(op, repositories.StoreErrorUnknown, "", err)
}
