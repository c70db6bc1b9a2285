// Package authority creates, resolves and deletes certificate authorities.
//
// Creation follows a fixed order: validate, generate the key pair, sign,
// write the encrypted key and certificate artifacts, then commit the record
// under the record store's write lock. If any step after the artifacts are
// written fails they are removed again, so a record never points at a
// missing file and no committed record is left without its key.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/internal/telemetry"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/records"
)

var (
	// ErrCANotFound is returned for an unknown CA id.
	ErrCANotFound = records.ErrCANotFound
	// ErrParentNotActive is returned when an intermediate is requested under
	// a revoked CA.
	ErrParentNotActive = errs.New(errs.ErrConflict, "parent CA is not active")
	// ErrCANotActive is returned when a revoked CA is asked to sign.
	ErrCANotActive = errs.New(errs.ErrConflict, "CA is not active")
	// ErrKeyFamilyMismatch is returned when a key algorithm's family differs
	// from the issuing CA's.
	ErrKeyFamilyMismatch = errs.New(errs.ErrConflict, "key algorithm family does not match issuing CA")
	// ErrHasDependents is returned when deleting a CA that still has child
	// CAs or issued certificates.
	ErrHasDependents = errs.New(errs.ErrConflict, "CA has dependent CAs or certificates")
)

// Defaults seed omitted request fields.
type Defaults struct {
	KeyAlgorithm             pki.KeyAlgorithm
	RootValidityDays         int
	IntermediateValidityDays int
}

// DefaultDefaults returns RSA-2048 with ten-year roots and five-year
// intermediates.
func DefaultDefaults() Defaults {
	return Defaults{
		KeyAlgorithm:             pki.DefaultKeyAlgorithm,
		RootValidityDays:         3650,
		IntermediateValidityDays: 1825,
	}
}

// Service manages the CA hierarchy.
type Service struct {
	store     *records.Store
	artifacts *keystore.Artifacts
	keygen    *pki.KeyGenerator
	defaults  Defaults
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDefaults overrides the request defaults. Zero fields keep the built-in
// values.
func WithDefaults(d Defaults) Option {
	return func(s *Service) {
		if d.KeyAlgorithm != nil {
			s.defaults.KeyAlgorithm = d.KeyAlgorithm
		}
		if d.RootValidityDays > 0 {
			s.defaults.RootValidityDays = d.RootValidityDays
		}
		if d.IntermediateValidityDays > 0 {
			s.defaults.IntermediateValidityDays = d.IntermediateValidityDays
		}
	}
}

// WithKeyGenerator sets the generator used for new CA keys.
func WithKeyGenerator(g *pki.KeyGenerator) Option {
	return func(s *Service) { s.keygen = g }
}

// WithClock sets the time source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service persisting records in store and key/certificate
// files in artifacts.
func New(store *records.Store, artifacts *keystore.Artifacts, opts ...Option) *Service {
	s := &Service{
		store:     store,
		artifacts: artifacts,
		keygen:    pki.NewKeyGenerator(0),
		defaults:  DefaultDefaults(),
		logger:    slog.Default(),
		tracer:    telemetry.Tracer("github.com/jmcleod/ironca/authority"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "authority")
	return s
}

// Defaults returns the effective request defaults.
func (s *Service) Defaults() Defaults { return s.defaults }

// CreateRootRequest describes a self-signed root CA.
type CreateRootRequest struct {
	Name         string          `json:"name"`
	Subject      records.Subject `json:"subject"`
	KeyAlgorithm string          `json:"keyAlgorithm"`
	ValidityDays int             `json:"validityDays"`
}

// CreateIntermediateRequest describes a CA signed by ParentID.
type CreateIntermediateRequest struct {
	Name         string          `json:"name"`
	ParentID     string          `json:"parentId"`
	Subject      records.Subject `json:"subject"`
	KeyAlgorithm string          `json:"keyAlgorithm"`
	ValidityDays int             `json:"validityDays"`
}

// CreateRoot generates a key pair and a self-signed CA certificate.
func (s *Service) CreateRoot(ctx context.Context, req CreateRootRequest) (_ *records.CertificateAuthority, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.CreateRoot")
	defer func() { telemetry.End(span, err) }()

	if err := records.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	alg, err := s.algorithm(req.KeyAlgorithm, nil)
	if err != nil {
		return nil, err
	}
	days, err := validityDays(req.ValidityDays, s.defaults.RootValidityDays, pki.ShapeRoot)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ca.key_algorithm", alg.Name()))

	kp, err := s.keygen.Generate(ctx, alg)
	if err != nil {
		return nil, err
	}
	engine, err := pki.EngineFor(alg)
	if err != nil {
		return nil, err
	}
	issued, err := engine.SelfSigned(kp.Signer, pki.Request{Subject: req.Subject.Name(), ValidityDays: days})
	if err != nil {
		return nil, err
	}

	ca := s.newRecord(req.Name, records.CATypeRoot, "", req.Subject, alg, issued)
	if err := s.persist(ctx, ca, kp, issued, func(tx *records.Tx) error {
		return tx.CreateCA(ca)
	}); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("ca.id", ca.ID))
	s.logger.InfoContext(ctx, "root CA created",
		"ca_id", ca.ID,
		"key_algorithm", ca.KeyAlgorithm,
		"serial", ca.SerialNumber,
	)
	return ca, nil
}

// CreateIntermediate generates a key pair and a CA certificate signed by the
// parent CA. The parent must exist, be active and share the key family.
func (s *Service) CreateIntermediate(ctx context.Context, req CreateIntermediateRequest) (_ *records.CertificateAuthority, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.CreateIntermediate",
		trace.WithAttributes(attribute.String("ca.parent_id", req.ParentID)))
	defer func() { telemetry.End(span, err) }()

	if err := records.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if req.ParentID == "" {
		return nil, errs.Validationf("parentId", "parent CA id is required")
	}

	parent, err := s.Issuer(ctx, req.ParentID)
	if err != nil {
		if errors.Is(err, ErrCANotActive) {
			return nil, fmt.Errorf("%s: %w", req.ParentID, ErrParentNotActive)
		}
		return nil, err
	}
	parentAlg, err := pki.ParseKeyAlgorithm(parent.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	alg, err := s.algorithm(req.KeyAlgorithm, parentAlg)
	if err != nil {
		return nil, err
	}
	if !pki.Compatible(alg, parentAlg) {
		return nil, fmt.Errorf("%s under %s: %w", alg.Name(), parentAlg.Name(), ErrKeyFamilyMismatch)
	}

	subject := req.Subject.InheritFrom(parent.Subject, true)
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	days, err := validityDays(req.ValidityDays, s.defaults.IntermediateValidityDays, pki.ShapeIntermediate)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ca.key_algorithm", alg.Name()))

	kp, err := s.keygen.Generate(ctx, alg)
	if err != nil {
		return nil, err
	}
	engine, err := pki.EngineFor(alg)
	if err != nil {
		return nil, err
	}
	var issued *pki.Issued
	err = s.WithSigner(ctx, parent, func(iss pki.Issuer) error {
		var err error
		issued, err = engine.Intermediate(iss, pki.Request{
			Subject:      subject.Name(),
			PublicKey:    kp.Public(),
			ValidityDays: days,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	ca := s.newRecord(req.Name, records.CATypeIntermediate, parent.ID, subject, alg, issued)
	if err := s.persist(ctx, ca, kp, issued, func(tx *records.Tx) error {
		// The parent may have been deleted or revoked while the key was
		// being generated.
		p, err := tx.CA(parent.ID)
		if err != nil {
			return err
		}
		if p.Status != records.StatusActive {
			return fmt.Errorf("%s: %w", p.ID, ErrParentNotActive)
		}
		return tx.CreateCA(ca)
	}); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("ca.id", ca.ID))
	s.logger.InfoContext(ctx, "intermediate CA created",
		"ca_id", ca.ID,
		"parent_id", ca.ParentID,
		"key_algorithm", ca.KeyAlgorithm,
		"serial", ca.SerialNumber,
	)
	return ca, nil
}

// List returns the CAs matching f, newest first.
func (s *Service) List(ctx context.Context, f records.CAFilter) ([]*records.CertificateAuthority, error) {
	var out []*records.CertificateAuthority
	err := s.store.View(ctx, func(tx *records.Tx) error {
		var err error
		out, err = tx.CAs(f)
		return err
	})
	return out, err
}

// Get returns the CA with id.
func (s *Service) Get(ctx context.Context, id string) (*records.CertificateAuthority, error) {
	var ca *records.CertificateAuthority
	err := s.store.View(ctx, func(tx *records.Tx) error {
		var err error
		ca, err = tx.CA(id)
		return err
	})
	return ca, err
}

// Chain returns the CA with id followed by each of its ancestors, ending
// with the root.
func (s *Service) Chain(ctx context.Context, id string) ([]*records.CertificateAuthority, error) {
	var chain []*records.CertificateAuthority
	err := s.store.View(ctx, func(tx *records.Tx) error {
		var err error
		chain, err = tx.Chain(id)
		return err
	})
	return chain, err
}

// CertificatePEM returns the stored PEM certificate of ca.
func (s *Service) CertificatePEM(ca *records.CertificateAuthority) ([]byte, error) {
	data, err := s.artifacts.Certs.Load(ca.CertPath)
	if err != nil {
		return nil, fmt.Errorf("loading certificate of CA %s: %w", ca.ID, err)
	}
	return data, nil
}

// Delete removes a CA that has no child CAs and no issued certificates,
// together with its key and certificate artifacts.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Delete", trace.WithAttributes(attribute.String("ca.id", id)))
	defer func() { telemetry.End(span, err) }()

	err = s.store.Update(ctx, func(tx *records.Tx) error {
		ca, err := tx.CA(id)
		if err != nil {
			return err
		}
		children, err := tx.ChildrenOf(id)
		if err != nil {
			return err
		}
		certs, err := tx.Certificates(records.CertificateFilter{CAID: id})
		if err != nil {
			return err
		}
		if len(children) > 0 || len(certs) > 0 {
			return fmt.Errorf("%s has %d child CAs and %d certificates: %w", id, len(children), len(certs), ErrHasDependents)
		}
		if err := s.artifacts.Remove(ca.KeyPath, ca.CertPath); err != nil {
			return fmt.Errorf("removing CA artifacts: %w", err)
		}
		return tx.DeleteCA(id)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "CA deleted", "ca_id", id)
	return nil
}

// Issuer returns the CA with id if it may sign: it must exist and be active.
func (s *Service) Issuer(ctx context.Context, id string) (*records.CertificateAuthority, error) {
	ca, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ca.Status != records.StatusActive {
		return nil, fmt.Errorf("%s: %w", id, ErrCANotActive)
	}
	return ca, nil
}

// WithSigner loads ca's certificate, decrypts its private key and calls fn
// with both. The decrypted key material is destroyed when fn returns.
func (s *Service) WithSigner(ctx context.Context, ca *records.CertificateAuthority, fn func(pki.Issuer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	alg, err := pki.ParseKeyAlgorithm(ca.KeyAlgorithm)
	if err != nil {
		return err
	}
	certPEM, err := s.artifacts.Certs.Load(ca.CertPath)
	if err != nil {
		return fmt.Errorf("loading certificate of CA %s: %w", ca.ID, err)
	}
	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return errs.Crypto("parse CA certificate", err)
	}
	return s.artifacts.Keys.Use(ca.KeyPath, func(material []byte) error {
		kp, err := pki.ParseKeyMaterial(alg, material)
		if err != nil {
			return errs.Crypto("load CA key", err)
		}
		return fn(pki.Issuer{Certificate: cert, Signer: kp.Signer})
	})
}

// algorithm resolves the requested key algorithm. An empty name selects
// inherit, or the configured default when inherit is nil.
func (s *Service) algorithm(name string, inherit pki.KeyAlgorithm) (pki.KeyAlgorithm, error) {
	if name == "" {
		if inherit != nil {
			return inherit, nil
		}
		return s.defaults.KeyAlgorithm, nil
	}
	return pki.ParseKeyAlgorithm(name)
}

func (s *Service) newRecord(name string, typ records.CAType, parentID string, subject records.Subject, alg pki.KeyAlgorithm, issued *pki.Issued) *records.CertificateAuthority {
	return &records.CertificateAuthority{
		ID:           uuid.New(),
		Name:         name,
		Type:         typ,
		ParentID:     parentID,
		Subject:      subject,
		KeyAlgorithm: alg.Name(),
		SerialNumber: issued.SerialNumber,
		NotBefore:    issued.NotBefore,
		NotAfter:     issued.NotAfter,
		Fingerprint:  issued.Fingerprint,
		Status:       records.StatusActive,
		CreatedAt:    s.now().UTC(),
	}
}

// persist writes the artifacts for ca, fills in their paths and runs commit
// under the store's write lock. On any failure the artifacts are removed.
func (s *Service) persist(ctx context.Context, ca *records.CertificateAuthority, kp *pki.KeyPair, issued *pki.Issued, commit func(tx *records.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	material, err := pki.MarshalKeyMaterial(kp)
	if err != nil {
		return err
	}
	defer util.WipeBytes(material)

	keyPath, certPath, err := s.artifacts.Save(ca.ID, material, issued.CertificatePEM)
	if err != nil {
		return err
	}
	ca.KeyPath, ca.CertPath = keyPath, certPath

	if err := ctx.Err(); err != nil {
		s.artifacts.Discard(keyPath, certPath)
		return err
	}
	if err := s.store.Update(ctx, commit); err != nil {
		s.artifacts.Discard(keyPath, certPath)
		return err
	}
	return nil
}

func validityDays(requested, fallback int, shape pki.Shape) (int, error) {
	if requested == 0 {
		requested = fallback
	}
	if requested < pki.MinValidityDays || requested > shape.MaxValidityDays() {
		return 0, errs.Validationf("validityDays", "%s validity must be between %d and %d days",
			shape, pki.MinValidityDays, shape.MaxValidityDays())
	}
	return requested, nil
}
