// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmcleod/ironca/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func (r *Repository) Close() error { return nil }

func (r *Repository) Put(_ context.Context, collection, id string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(collection, id, rec)
}

func (r *Repository) putLocked(collection, id string, rec *storage.Record) error {
	if _, ok := r.data[collection]; !ok {
		r.data[collection] = make(map[string]*storage.Record)
	}
	r.data[collection][id] = rec.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, collection, id string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(collection, id)
}

func (r *Repository) getLocked(collection, id string) (*storage.Record, error) {
	rec, ok := r.data[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, collection string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(collection), nil
}

func (r *Repository) listLocked(collection string) []string {
	ids := make([]string, 0, len(r.data[collection]))
	for id := range r.data[collection] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Repository) Delete(_ context.Context, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(collection, id)
}

func (r *Repository) deleteLocked(collection, id string) error {
	if _, ok := r.data[collection][id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	delete(r.data[collection], id)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, collection, id string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(collection, id, expectedVersion, rec)
}

func (r *Repository) putCASLocked(collection, id string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[collection][id]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(collection, id, rec)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(collection, id, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()

	if err := fn(&memoryBatchTx{repo: r}); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *Repository) snapshot() map[string]map[string]*storage.Record {
	cp := make(map[string]map[string]*storage.Record, len(r.data))
	for collection, records := range r.data {
		inner := make(map[string]*storage.Record, len(records))
		for id, rec := range records {
			inner[id] = rec.Clone()
		}
		cp[collection] = inner
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Get(_ context.Context, collection, id string) (*storage.Record, error) {
	return tx.repo.getLocked(collection, id)
}

func (tx *memoryBatchTx) List(_ context.Context, collection string) ([]string, error) {
	return tx.repo.listLocked(collection), nil
}

func (tx *memoryBatchTx) Put(_ context.Context, collection, id string, rec *storage.Record) error {
	return tx.repo.putLocked(collection, id, rec)
}

func (tx *memoryBatchTx) PutCAS(_ context.Context, collection, id string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(collection, id, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(_ context.Context, collection, id string) error {
	return tx.repo.deleteLocked(collection, id)
}
