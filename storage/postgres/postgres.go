// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (collection, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) Get(ctx context.Context, collection, id string) (*storage.Record, error) {
	return get(ctx, s.pool, collection, id)
}

func (s *Store) List(ctx context.Context, collection string) ([]string, error) {
	return list(ctx, s.pool, collection)
}

func (s *Store) Put(ctx context.Context, collection, id string, rec *storage.Record) error {
	return put(ctx, s.pool, collection, id, rec)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, s.pool, collection, id)
}

func (s *Store) PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, rec *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.PutCAS(ctx, collection, id, expectedVersion, rec)
	})
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(ctx context.Context, collection, id string) (*storage.Record, error) {
	return get(ctx, btx.tx, collection, id)
}

func (btx *pgBatchTx) List(ctx context.Context, collection string) ([]string, error) {
	return list(ctx, btx.tx, collection)
}

func (btx *pgBatchTx) Put(ctx context.Context, collection, id string, rec *storage.Record) error {
	return put(ctx, btx.tx, collection, id, rec)
}

func (btx *pgBatchTx) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, btx.tx, collection, id)
}

// PutCAS locks the row with SELECT ... FOR UPDATE before comparing versions.
func (btx *pgBatchTx) PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion uint64
	err := btx.tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE collection = $1 AND record_id = $2
		 FOR UPDATE`,
		collection, id).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		tag, err := btx.tx.Exec(ctx,
			`INSERT INTO records (collection, record_id, data, version)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (collection, record_id) DO NOTHING`,
			collection, id, rec.Data, rec.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Inserted concurrently by another transaction.
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = btx.tx.Exec(ctx,
		`UPDATE records SET data = $3, version = $4
		 WHERE collection = $1 AND record_id = $2`,
		collection, id, rec.Data, rec.Version)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func get(ctx context.Context, q querier, collection, id string) (*storage.Record, error) {
	var rec storage.Record
	err := q.QueryRow(ctx,
		`SELECT data, version FROM records WHERE collection = $1 AND record_id = $2`,
		collection, id).Scan(&rec.Data, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func list(ctx context.Context, q querier, collection string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_id FROM records WHERE collection = $1`, collection)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func put(ctx context.Context, q querier, collection, id string, rec *storage.Record) error {
	_, err := q.Exec(ctx,
		`INSERT INTO records (collection, record_id, data, version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, record_id)
		 DO UPDATE SET data = $3, version = $4`,
		collection, id, rec.Data, rec.Version)
	return err
}

func del(ctx context.Context, q querier, collection, id string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE collection = $1 AND record_id = $2`,
		collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}
