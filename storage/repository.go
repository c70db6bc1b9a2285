// Package storage provides the keyed-collection abstraction under the CA and
// certificate records.
//
// A Repository stores opaque records addressed by (collection, id). Each
// record carries a version used for compare-and-swap updates, so several
// processes sharing one durable backend detect lost updates. Collection adds
// typed JSON encoding on top.
package storage

import (
	"context"
	"errors"

	"github.com/jmcleod/ironca/errs"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errs.New(errs.ErrNotFound, "record not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errs.New(errs.ErrConflict, "record already exists")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is one stored value. Data is opaque to the repository.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// Reader reads records.
type Reader interface {
	Get(ctx context.Context, collection, id string) (*Record, error)
	// List returns the ids in collection in no particular order.
	List(ctx context.Context, collection string) ([]string, error)
}

// BatchTx provides reads and writes within an atomic transaction.
type BatchTx interface {
	Reader
	Put(ctx context.Context, collection, id string, rec *Record) error
	// PutCAS writes rec only if the stored version equals expectedVersion.
	// An expectedVersion of 0 means the record must not exist yet.
	PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, rec *Record) error
	Delete(ctx context.Context, collection, id string) error
}

// Repository is a record store. Its own methods each run in an implicit
// transaction; Batch groups several into one.
type Repository interface {
	BatchTx
	// Batch executes fn within a transaction. If fn returns an error every
	// write made through tx is rolled back.
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
	Close() error
}
