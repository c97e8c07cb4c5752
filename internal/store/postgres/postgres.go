// Package postgres stores documents as JSONB rows keyed by id.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"go-eventflow/internal/observability"
	"go-eventflow/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX is satisfied by both the pool and a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open creates the shared pool and checks connectivity.
func Open(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	observability.Component("postgres").Info("Migrations applied")
	return nil
}

type Store struct {
	pool *pgxpool.Pool
	db   DBTX
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (s *Store) Accounts() store.Accounts           { return accounts{s.db} }
func (s *Store) Folders() store.Folders             { return folders{s.db} }
func (s *Store) Tasks() store.Tasks                 { return tasks{s.db} }
func (s *Store) Notifications() store.Notifications { return notifications{s.db} }
func (s *Store) Pomodoros() store.Pomodoros         { return pomodoros{s.db} }

// WithTx runs fn inside one database transaction. Nested calls join the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{db: tx})
	})
}

func getDoc[T any](ctx context.Context, db DBTX, table, id string) (T, error) {
	var out T
	var raw []byte
	if err := db.QueryRow(ctx, "SELECT doc FROM "+table+" WHERE id = $1", id).Scan(&raw); err != nil {
		return out, fmt.Errorf("get %s %s: %w", table, id, MapError(err))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return out, nil
}

func queryDocs[T any](ctx context.Context, db DBTX, query string, args ...any) ([]T, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var out T
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return out, err
		}
		return out, json.Unmarshal(raw, &out)
	})
}

func upsertDoc(ctx context.Context, db DBTX, table, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	_, err = db.Exec(ctx,
		"INSERT INTO "+table+" (id, doc, updated_at) VALUES ($1, $2, now()) "+
			"ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()",
		id, raw)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, id, MapError(err))
	}
	return nil
}

func insertDoc(ctx context.Context, db DBTX, table, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	if _, err := db.Exec(ctx, "INSERT INTO "+table+" (id, doc) VALUES ($1, $2)", id, raw); err != nil {
		return fmt.Errorf("insert %s %s: %w", table, id, MapError(err))
	}
	return nil
}

func marshalDoc(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}
