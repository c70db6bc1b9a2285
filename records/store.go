package records

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/storage"
)

// Collection names in the record store.
const (
	CollectionCAs          = "certificate_authorities"
	CollectionCertificates = "certificates"
)

var (
	// ErrCANotFound is returned for an unknown CA id.
	ErrCANotFound = errs.New(errs.ErrNotFound, "certificate authority not found")
	// ErrCertificateNotFound is returned for an unknown certificate id.
	ErrCertificateNotFound = errs.New(errs.ErrNotFound, "certificate not found")
	// ErrBrokenChain is returned when a parent link is dangling or cyclic.
	ErrBrokenChain = errors.New("broken CA chain")
	// ErrReadOnly is returned by write methods on a View transaction.
	ErrReadOnly = errors.New("read-only transaction")
)

// Store serialises access to both collections with one lock, so dependent
// checks (children, issued certificates, parent status) and the writes they
// guard happen atomically.
type Store struct {
	mu    sync.RWMutex
	repo  storage.Repository
	cas   storage.Collection[CertificateAuthority]
	certs storage.Collection[Certificate]
}

// NewStore wraps repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{
		repo:  repo,
		cas:   storage.NewCollection[CertificateAuthority](CollectionCAs),
		certs: storage.NewCollection[Certificate](CollectionCertificates),
	}
}

// Close closes the underlying repository.
func (s *Store) Close() error {
	return s.repo.Close()
}

// View runs fn under the read lock.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{ctx: ctx, store: s, r: s.repo})
}

// Update runs fn under the write lock inside one repository batch. If fn
// fails, record writes made through tx are rolled back.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Batch(ctx, func(btx storage.BatchTx) error {
		return fn(&Tx{ctx: ctx, store: s, r: btx, w: btx})
	})
}

// Tx is a view of both collections within one View or Update call.
type Tx struct {
	ctx   context.Context
	store *Store
	r     storage.Reader
	w     storage.BatchTx
}

func (tx *Tx) writer() (storage.BatchTx, error) {
	if tx.w == nil {
		return nil, ErrReadOnly
	}
	return tx.w, nil
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

// CA loads the CA with id.
func (tx *Tx) CA(id string) (*CertificateAuthority, error) {
	ca, err := tx.store.cas.FindByID(tx.ctx, tx.r, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrCANotFound)
	}
	return ca, err
}

// CAs lists the CAs matching f, newest first.
func (tx *Tx) CAs(f CAFilter) ([]*CertificateAuthority, error) {
	out, err := tx.store.cas.FindAll(tx.ctx, tx.r, f.match)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *CertificateAuthority) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// ChildrenOf lists CAs whose parent is id.
func (tx *Tx) ChildrenOf(id string) ([]*CertificateAuthority, error) {
	return tx.store.cas.FindAll(tx.ctx, tx.r, func(ca *CertificateAuthority) bool {
		return ca.ParentID == id
	})
}

// CreateCA inserts ca. The id must be unused.
func (tx *Tx) CreateCA(ca *CertificateAuthority) error {
	w, err := tx.writer()
	if err != nil {
		return err
	}
	return tx.store.cas.Create(tx.ctx, w, ca.ID, ca)
}

// SetCAStatus changes the status field of a CA.
func (tx *Tx) SetCAStatus(id string, status Status) error {
	w, err := tx.writer()
	if err != nil {
		return err
	}
	err = tx.store.cas.UpdateField(tx.ctx, w, id, FieldStatus, status)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrCANotFound)
	}
	return err
}

// DeleteCA removes the CA record only; dependents are the caller's concern.
func (tx *Tx) DeleteCA(id string) error {
	w, err := tx.writer()
	if err != nil {
		return err
	}
	err = tx.store.cas.Delete(tx.ctx, w, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrCANotFound)
	}
	return err
}

// Chain walks parent links from the CA with id up to its root, inclusive,
// in child-to-root order.
func (tx *Tx) Chain(id string) ([]*CertificateAuthority, error) {
	var chain []*CertificateAuthority
	seen := make(map[string]bool)
	for next := id; next != ""; {
		if seen[next] {
			return nil, fmt.Errorf("%w: cycle at %s", ErrBrokenChain, next)
		}
		seen[next] = true

		ca, err := tx.CA(next)
		if err != nil {
			if len(chain) > 0 && errors.Is(err, ErrCANotFound) {
				return nil, fmt.Errorf("%w: %s references missing parent %s", ErrBrokenChain, chain[len(chain)-1].ID, next)
			}
			return nil, err
		}
		chain = append(chain, ca)
		next = ca.ParentID
	}
	return chain, nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

// Certificate loads the certificate with id.
func (tx *Tx) Certificate(id string) (*Certificate, error) {
	c, err := tx.store.certs.FindByID(tx.ctx, tx.r, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrCertificateNotFound)
	}
	return c, err
}

// Certificates lists certificates matching f, newest first.
func (tx *Tx) Certificates(f CertificateFilter) ([]*Certificate, error) {
	out, err := tx.store.certs.FindAll(tx.ctx, tx.r, f.match)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Certificate) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// CreateCertificate inserts c. The id must be unused.
func (tx *Tx) CreateCertificate(c *Certificate) error {
	w, err := tx.writer()
	if err != nil {
		return err
	}
	return tx.store.certs.Create(tx.ctx, w, c.ID, c)
}

// SetCertificateStatus changes the status field of a certificate.
func (tx *Tx) SetCertificateStatus(id string, status Status) error {
	w, err := tx.writer()
	if err != nil {
		return err
	}
	err = tx.store.certs.UpdateField(tx.ctx, w, id, FieldStatus, status)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrCertificateNotFound)
	}
	return err
}

// DeleteCertificate removes the certificate record.
func (tx *Tx) DeleteCertificate(id string) error {
	w, err := tx.writer()
	if err != nil {
		return err
	}
	err = tx.store.certs.Delete(tx.ctx, w, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrCertificateNotFound)
	}
	return err
}
