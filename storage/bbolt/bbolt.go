// Package bbolt provides a BBolt-backed storage repository. Each collection
// is a top-level bucket keyed by record id.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/storage"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, collection, id string, rec *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.Put(ctx, collection, id, rec)
	})
}

func (s *Store) Get(ctx context.Context, collection, id string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = (&boltBatchTx{tx: tx}).Get(ctx, collection, id)
		return err
	})
	return rec, err
}

func (s *Store) List(ctx context.Context, collection string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		ids, err = (&boltBatchTx{tx: tx}).List(ctx, collection)
		return err
	})
	return ids, err
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.Delete(ctx, collection, id)
	})
}

func (s *Store) PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, rec *storage.Record) error {
	return s.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.PutCAS(ctx, collection, id, expectedVersion, rec)
	})
}

// Batch runs fn inside a single read-write bbolt transaction.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (b *boltBatchTx) bucket(collection string) (*bbolt.Bucket, error) {
	return b.tx.CreateBucketIfNotExists([]byte(collection))
}

func (b *boltBatchTx) Get(_ context.Context, collection, id string) (*storage.Record, error) {
	bucket := b.tx.Bucket([]byte(collection))
	if bucket == nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	// json.Unmarshal copies, so the record outlives the transaction.
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}
	return &rec, nil
}

func (b *boltBatchTx) List(_ context.Context, collection string) ([]string, error) {
	bucket := b.tx.Bucket([]byte(collection))
	if bucket == nil {
		return nil, nil
	}
	var ids []string
	err := bucket.ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids, err
}

func (b *boltBatchTx) Put(_ context.Context, collection, id string, rec *storage.Record) error {
	bucket, err := b.bucket(collection)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(id), data)
}

func (b *boltBatchTx) PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := b.Get(ctx, collection, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case expectedVersion == 0 || existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}
	return b.Put(ctx, collection, id, rec)
}

func (b *boltBatchTx) Delete(_ context.Context, collection, id string) error {
	bucket := b.tx.Bucket([]byte(collection))
	if bucket == nil || bucket.Get([]byte(id)) == nil {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return bucket.Delete([]byte(id))
}
