// Package export renders stored CAs and certificates as PEM, DER, PKCS#12 and
// chain documents. Exports never change state.
package export

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/youmark/pkcs8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/internal/telemetry"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/records"
)

// MinPasswordLength applies to PKCS#12 and encrypted key passwords.
const MinPasswordLength = 8

// Content types of exported artifacts.
const (
	ContentTypePEM    = "application/x-pem-file"
	ContentTypeDER    = "application/x-x509-ca-cert"
	ContentTypePKCS12 = "application/x-pkcs12"
)

// ErrEntityNotFound is returned when an id names neither a certificate nor a
// CA.
var ErrEntityNotFound = errs.New(errs.ErrNotFound, "no certificate or CA with this id")

// Artifact is one exported file.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
	// IncludesKey is set when Data carries private key material.
	IncludesKey bool
}

// Entity is a resolved export source: a certificate or a CA together with
// the CAs above it.
type Entity struct {
	ID           string
	IsCA         bool
	Name         string
	CommonName   string
	KeyAlgorithm string
	KeyPath      string
	CertPath     string
	// Ancestors are the issuing CAs, nearest first, ending with the root.
	Ancestors []*records.CertificateAuthority
}

// label is the friendly name and file stem: the common name, or the CA name
// when the common name is empty.
func (e *Entity) label() string {
	if e.CommonName != "" {
		return e.CommonName
	}
	return e.Name
}

// Exporter reads records and artifacts to build exports.
type Exporter struct {
	store          *records.Store
	keys           *keystore.Store
	certs          *keystore.CertStore
	ecKeysInPKCS12 bool
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the exporter logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// WithECKeysInPKCS12 bundles EC private keys into PKCS#12 exports. By
// default EC exports are certificate-only trust stores.
func WithECKeysInPKCS12(enabled bool) Option {
	return func(e *Exporter) { e.ecKeysInPKCS12 = enabled }
}

// New returns an Exporter.
func New(store *records.Store, artifacts *keystore.Artifacts, opts ...Option) *Exporter {
	e := &Exporter{
		store:  store,
		keys:   artifacts.Keys,
		certs:  artifacts.Certs,
		logger: slog.Default(),
		tracer: telemetry.Tracer("github.com/jmcleod/ironca/export"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "export")
	return e
}

// Resolve finds the certificate with id, or failing that the CA, and loads
// its ancestor CAs.
func (e *Exporter) Resolve(ctx context.Context, id string) (*Entity, error) {
	var ent *Entity
	err := e.store.View(ctx, func(tx *records.Tx) error {
		c, err := tx.Certificate(id)
		switch {
		case err == nil:
			ancestors, err := tx.Chain(c.CAID)
			if err != nil {
				return fmt.Errorf("resolving chain of certificate %s: %w", id, err)
			}
			ent = &Entity{
				ID:           c.ID,
				CommonName:   c.Subject.CommonName,
				KeyAlgorithm: c.KeyAlgorithm,
				KeyPath:      c.KeyPath,
				CertPath:     c.CertPath,
				Ancestors:    ancestors,
			}
			return nil
		case !errors.Is(err, records.ErrCertificateNotFound):
			return err
		}

		chain, err := tx.Chain(id)
		if errors.Is(err, records.ErrCANotFound) {
			return fmt.Errorf("%s: %w", id, ErrEntityNotFound)
		}
		if err != nil {
			return err
		}
		ca := chain[0]
		ent = &Entity{
			ID:           ca.ID,
			IsCA:         true,
			Name:         ca.Name,
			CommonName:   ca.Subject.CommonName,
			KeyAlgorithm: ca.KeyAlgorithm,
			KeyPath:      ca.KeyPath,
			CertPath:     ca.CertPath,
			Ancestors:    chain[1:],
		}
		return nil
	})
	return ent, err
}

// PEMKind selects what a PEM export contains.
type PEMKind string

const (
	PEMCert PEMKind = "cert"
	PEMKey  PEMKind = "key"
	PEMBoth PEMKind = "both"
)

// ParsePEMKind validates a PEM kind. The empty string means PEMBoth.
func ParsePEMKind(s string) (PEMKind, error) {
	switch k := PEMKind(s); k {
	case "":
		return PEMBoth, nil
	case PEMCert, PEMKey, PEMBoth:
		return k, nil
	}
	return "", errs.Validationf("type", "must be %q, %q or %q", PEMCert, PEMKey, PEMBoth)
}

// PEMOptions configures a PEM export. A non-empty KeyPassword encrypts the
// private key as PKCS#8.
type PEMOptions struct {
	Kind        PEMKind
	KeyPassword string
}

// PEM exports the certificate, the private key, or the certificate followed
// by the key.
func (e *Exporter) PEM(ctx context.Context, id string, opts PEMOptions) (_ *Artifact, err error) {
	ctx, span := e.start(ctx, "export.PEM", id)
	defer func() { telemetry.End(span, err) }()

	kind := opts.Kind
	if kind == "" {
		kind = PEMBoth
	}
	if _, err := ParsePEMKind(string(kind)); err != nil {
		return nil, err
	}
	if opts.KeyPassword != "" && kind != PEMCert {
		if err := checkPassword("keyPassword", opts.KeyPassword); err != nil {
			return nil, err
		}
	}

	ent, err := e.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	var certPEM, keyPEM []byte
	if kind != PEMKey {
		if certPEM, err = e.certs.Load(ent.CertPath); err != nil {
			return nil, err
		}
	}
	if kind != PEMCert {
		if keyPEM, err = e.privateKeyPEM(ent, opts.KeyPassword); err != nil {
			return nil, err
		}
	}

	stem := fileStem(ent.label())
	switch kind {
	case PEMCert:
		return &Artifact{Filename: stem + ".crt", ContentType: ContentTypePEM, Data: certPEM}, nil
	case PEMKey:
		return &Artifact{Filename: stem + ".key", ContentType: ContentTypePEM, Data: keyPEM, IncludesKey: true}, nil
	default:
		data := make([]byte, 0, len(certPEM)+1+len(keyPEM))
		data = append(data, certPEM...)
		data = append(data, '\n')
		data = append(data, keyPEM...)
		return &Artifact{Filename: stem + ".pem", ContentType: ContentTypePEM, Data: data, IncludesKey: true}, nil
	}
}

// DER exports the certificate in binary form.
func (e *Exporter) DER(ctx context.Context, id string) (_ *Artifact, err error) {
	ctx, span := e.start(ctx, "export.DER", id)
	defer func() { telemetry.End(span, err) }()

	ent, err := e.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	certPEM, err := e.certs.Load(ent.CertPath)
	if err != nil {
		return nil, err
	}
	der, err := pki.CertificateDER(certPEM)
	if err != nil {
		return nil, errs.Crypto("decode stored certificate", err)
	}
	return &Artifact{Filename: fileStem(ent.label()) + ".der", ContentType: ContentTypeDER, Data: der}, nil
}

// Chain exports the certificate followed by every ancestor CA certificate,
// root last.
func (e *Exporter) Chain(ctx context.Context, id string) (_ *Artifact, err error) {
	ctx, span := e.start(ctx, "export.Chain", id)
	defer func() { telemetry.End(span, err) }()

	ent, err := e.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	own, err := e.certs.Load(ent.CertPath)
	if err != nil {
		return nil, err
	}
	parts := [][]byte{own}
	for _, ca := range ent.Ancestors {
		p, err := e.certs.Load(ca.CertPath)
		if err != nil {
			return nil, fmt.Errorf("loading certificate of CA %s: %w", ca.ID, err)
		}
		parts = append(parts, p)
	}
	return &Artifact{
		Filename:    fileStem(ent.label()) + "-chain.pem",
		ContentType: ContentTypePEM,
		Data:        bytes.Join(parts, []byte("\n")),
	}, nil
}

// PKCS12 exports the certificate and its ancestors under password. RSA
// bundles carry the private key. EC bundles are certificate-only trust stores
// unless the exporter was built WithECKeysInPKCS12(true).
func (e *Exporter) PKCS12(ctx context.Context, id, password string) (_ *Artifact, err error) {
	ctx, span := e.start(ctx, "export.PKCS12", id)
	defer func() { telemetry.End(span, err) }()

	if err := checkPassword("password", password); err != nil {
		return nil, err
	}
	ent, err := e.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	alg, err := pki.ParseKeyAlgorithm(ent.KeyAlgorithm)
	if err != nil {
		return nil, err
	}

	cert, err := e.loadCert(ent.CertPath)
	if err != nil {
		return nil, err
	}
	chain := make([]*x509.Certificate, 0, len(ent.Ancestors))
	for _, ca := range ent.Ancestors {
		c, err := e.loadCert(ca.CertPath)
		if err != nil {
			return nil, fmt.Errorf("loading certificate of CA %s: %w", ca.ID, err)
		}
		chain = append(chain, c)
	}

	withKey := alg.Family() == pki.FamilyRSA || e.ecKeysInPKCS12
	span.SetAttributes(attribute.Bool("export.pkcs12.with_key", withKey))

	var pfx []byte
	if withKey {
		err = e.keys.Use(ent.KeyPath, func(material []byte) error {
			kp, err := pki.ParseKeyMaterial(alg, material)
			if err != nil {
				return errs.Crypto("load private key", err)
			}
			if pfx, err = pkcs12.Modern.Encode(kp.Signer, cert, chain, password); err != nil {
				return errs.Crypto("encode PKCS#12", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		label := ent.label()
		entries := []pkcs12.TrustStoreEntry{{Cert: cert, FriendlyName: label}}
		for i, c := range chain {
			entries = append(entries, pkcs12.TrustStoreEntry{Cert: c, FriendlyName: ancestorLabel(ent.Ancestors[i])})
		}
		if pfx, err = pkcs12.Modern.EncodeTrustStoreEntries(entries, password); err != nil {
			return nil, errs.Crypto("encode PKCS#12", err)
		}
	}

	e.logger.InfoContext(ctx, "PKCS#12 exported", "entity_id", ent.ID, "with_key", withKey)
	return &Artifact{Filename: fileStem(ent.label()) + ".p12", ContentType: ContentTypePKCS12, Data: pfx, IncludesKey: withKey}, nil
}

func (e *Exporter) privateKeyPEM(ent *Entity, password string) ([]byte, error) {
	alg, err := pki.ParseKeyAlgorithm(ent.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = e.keys.Use(ent.KeyPath, func(material []byte) error {
		if password == "" {
			keyPEM, err := pki.PrivateKeyPEM(alg, material)
			if err != nil {
				return err
			}
			out = bytes.Clone(keyPEM)
			return nil
		}
		kp, err := pki.ParseKeyMaterial(alg, material)
		if err != nil {
			return err
		}
		der, err := pkcs8.MarshalPrivateKey(kp.Signer, []byte(password), nil)
		if err != nil {
			return errs.Crypto("encrypt private key", err)
		}
		out = pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("private key exported", "entity_id", ent.ID, "encrypted", password != "")
	return out, nil
}

func (e *Exporter) loadCert(path string) (*x509.Certificate, error) {
	data, err := e.certs.Load(path)
	if err != nil {
		return nil, err
	}
	cert, err := pki.ParseCertificatePEM(data)
	if err != nil {
		return nil, errs.Crypto("parse stored certificate", err)
	}
	return cert, nil
}

func (e *Exporter) start(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("entity.id", id)))
}

func checkPassword(field, password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return errs.Validationf(field, "must be at least %d characters", MinPasswordLength)
	}
	return nil
}

func ancestorLabel(ca *records.CertificateAuthority) string {
	if ca.Subject.CommonName != "" {
		return ca.Subject.CommonName
	}
	return ca.Name
}

// fileStem makes label safe for a Content-Disposition filename.
func fileStem(label string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.TrimSpace(label))
	stem = strings.TrimLeft(stem, ".")
	if stem == "" {
		return "certificate"
	}
	return stem
}
