// Package issuance issues, revokes and deletes end-entity certificates.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/idna"

	"github.com/jmcleod/ironca/authority"
	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/internal/telemetry"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/records"
)

var (
	// ErrCertificateNotFound is returned for an unknown certificate id.
	ErrCertificateNotFound = records.ErrCertificateNotFound
	// ErrAlreadyRevoked is the Reason of the ValidationError returned when
	// revoking a revoked certificate.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")
	// ErrKeyFamilyMismatch is returned when the requested key algorithm's
	// family differs from the CA's.
	ErrKeyFamilyMismatch = authority.ErrKeyFamilyMismatch
)

// Authorities resolves issuing CAs and their signing keys.
type Authorities interface {
	Issuer(ctx context.Context, id string) (*records.CertificateAuthority, error)
	WithSigner(ctx context.Context, ca *records.CertificateAuthority, fn func(pki.Issuer) error) error
}

// Defaults seed omitted request fields. A nil KeyAlgorithm means the
// issuing CA's algorithm.
type Defaults struct {
	KeyAlgorithm       pki.KeyAlgorithm
	ServerValidityDays int
	ClientValidityDays int
}

// DefaultDefaults returns one-year server and client certificates.
func DefaultDefaults() Defaults {
	return Defaults{ServerValidityDays: 365, ClientValidityDays: 365}
}

// Service issues certificates under CAs resolved through Authorities.
type Service struct {
	store       *records.Store
	artifacts   *keystore.Artifacts
	authorities Authorities
	keygen      *pki.KeyGenerator
	defaults    Defaults
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
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
		if d.ServerValidityDays > 0 {
			s.defaults.ServerValidityDays = d.ServerValidityDays
		}
		if d.ClientValidityDays > 0 {
			s.defaults.ClientValidityDays = d.ClientValidityDays
		}
	}
}

// WithKeyGenerator sets the generator used for leaf keys.
func WithKeyGenerator(g *pki.KeyGenerator) Option {
	return func(s *Service) { s.keygen = g }
}

// WithClock sets the time source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service.
func New(store *records.Store, artifacts *keystore.Artifacts, authorities Authorities, opts ...Option) *Service {
	s := &Service{
		store:       store,
		artifacts:   artifacts,
		authorities: authorities,
		keygen:      pki.NewKeyGenerator(0),
		defaults:    DefaultDefaults(),
		logger:      slog.Default(),
		tracer:      telemetry.Tracer("github.com/jmcleod/ironca/issuance"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "issuance")
	return s
}

// IssueRequest describes a leaf certificate. SANDNS and SANIPs apply to
// server certificates only.
type IssueRequest struct {
	CAID         string          `json:"caId"`
	Subject      records.Subject `json:"subject"`
	KeyAlgorithm string          `json:"keyAlgorithm"`
	ValidityDays int             `json:"validityDays"`
	SANDNS       []string        `json:"sanDns"`
	SANIPs       []string        `json:"sanIps"`
}

// CreateServer issues a serverAuth certificate. Without DNS names the
// common name becomes the only DNS SAN.
func (s *Service) CreateServer(ctx context.Context, req IssueRequest) (*records.Certificate, error) {
	return s.create(ctx, records.CertTypeServer, req)
}

// CreateClient issues a clientAuth certificate. SANs are rejected.
func (s *Service) CreateClient(ctx context.Context, req IssueRequest) (*records.Certificate, error) {
	return s.create(ctx, records.CertTypeClient, req)
}

func (s *Service) create(ctx context.Context, typ records.CertType, req IssueRequest) (_ *records.Certificate, err error) {
	ctx, span := s.tracer.Start(ctx, "issuance.Create",
		trace.WithAttributes(
			attribute.String("cert.type", string(typ)),
			attribute.String("ca.id", req.CAID),
		))
	defer func() { telemetry.End(span, err) }()

	shape, fallbackDays := pki.ShapeServer, s.defaults.ServerValidityDays
	if typ == records.CertTypeClient {
		shape, fallbackDays = pki.ShapeClient, s.defaults.ClientValidityDays
	}

	if req.CAID == "" {
		return nil, errs.Validationf("caId", "CA id is required")
	}
	dnsNames, ips, err := parseSANs(typ, req.SANDNS, req.SANIPs)
	if err != nil {
		return nil, err
	}
	days := req.ValidityDays
	if days == 0 {
		days = fallbackDays
	}
	if days < pki.MinValidityDays || days > shape.MaxValidityDays() {
		return nil, errs.Validationf("validityDays", "%s validity must be between %d and %d days",
			shape, pki.MinValidityDays, shape.MaxValidityDays())
	}

	ca, err := s.authorities.Issuer(ctx, req.CAID)
	if err != nil {
		return nil, err
	}
	subject := req.Subject.InheritFrom(ca.Subject, false)
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if typ == records.CertTypeServer && len(dnsNames) == 0 {
		name, err := dnsName("subject.commonName", subject.CommonName)
		if err != nil {
			return nil, err
		}
		dnsNames = []string{name}
	}
	caAlg, err := pki.ParseKeyAlgorithm(ca.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	alg := caAlg
	switch {
	case req.KeyAlgorithm != "":
		if alg, err = pki.ParseKeyAlgorithm(req.KeyAlgorithm); err != nil {
			return nil, err
		}
	case s.defaults.KeyAlgorithm != nil && pki.Compatible(s.defaults.KeyAlgorithm, caAlg):
		alg = s.defaults.KeyAlgorithm
	}
	if !pki.Compatible(alg, caAlg) {
		return nil, fmt.Errorf("%s under %s: %w", alg.Name(), caAlg.Name(), ErrKeyFamilyMismatch)
	}
	span.SetAttributes(attribute.String("cert.key_algorithm", alg.Name()))

	kp, err := s.keygen.Generate(ctx, alg)
	if err != nil {
		return nil, err
	}
	engine, err := pki.EngineFor(alg)
	if err != nil {
		return nil, err
	}
	var issued *pki.Issued
	err = s.authorities.WithSigner(ctx, ca, func(iss pki.Issuer) error {
		pr := pki.Request{
			Subject:      subject.Name(),
			PublicKey:    kp.Public(),
			ValidityDays: days,
		}
		var err error
		if typ == records.CertTypeServer {
			pr.DNSNames, pr.IPAddresses = dnsNames, ips
			issued, err = engine.Server(iss, pr)
		} else {
			issued, err = engine.Client(iss, pr)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	cert := &records.Certificate{
		ID:           uuid.New(),
		CAID:         ca.ID,
		Type:         typ,
		Subject:      subject,
		SANDNS:       issued.Certificate.DNSNames,
		SANIPs:       ipStrings(issued.Certificate.IPAddresses),
		KeyAlgorithm: alg.Name(),
		SerialNumber: issued.SerialNumber,
		NotBefore:    issued.NotBefore,
		NotAfter:     issued.NotAfter,
		Fingerprint:  issued.Fingerprint,
		Status:       records.StatusActive,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.persist(ctx, cert, kp, issued); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("cert.id", cert.ID))
	s.logger.InfoContext(ctx, "certificate issued",
		"cert_id", cert.ID,
		"ca_id", cert.CAID,
		"type", cert.Type,
		"key_algorithm", cert.KeyAlgorithm,
		"serial", cert.SerialNumber,
	)
	return cert, nil
}

func (s *Service) persist(ctx context.Context, cert *records.Certificate, kp *pki.KeyPair, issued *pki.Issued) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	material, err := pki.MarshalKeyMaterial(kp)
	if err != nil {
		return err
	}
	defer util.WipeBytes(material)

	keyPath, certPath, err := s.artifacts.Save(cert.ID, material, issued.CertificatePEM)
	if err != nil {
		return err
	}
	cert.KeyPath, cert.CertPath = keyPath, certPath

	if err := ctx.Err(); err != nil {
		s.artifacts.Discard(keyPath, certPath)
		return err
	}
	err = s.store.Update(ctx, func(tx *records.Tx) error {
		// The CA may have been revoked or deleted while signing.
		ca, err := tx.CA(cert.CAID)
		if err != nil {
			return err
		}
		if ca.Status != records.StatusActive {
			return fmt.Errorf("%s: %w", ca.ID, authority.ErrCANotActive)
		}
		return tx.CreateCertificate(cert)
	})
	if err != nil {
		s.artifacts.Discard(keyPath, certPath)
		return err
	}
	return nil
}

// List returns the certificates matching f, newest first.
func (s *Service) List(ctx context.Context, f records.CertificateFilter) ([]*records.Certificate, error) {
	var out []*records.Certificate
	err := s.store.View(ctx, func(tx *records.Tx) error {
		var err error
		out, err = tx.Certificates(f)
		return err
	})
	return out, err
}

// Get returns the certificate with id.
func (s *Service) Get(ctx context.Context, id string) (*records.Certificate, error) {
	var c *records.Certificate
	err := s.store.View(ctx, func(tx *records.Tx) error {
		var err error
		c, err = tx.Certificate(id)
		return err
	})
	return c, err
}

// Revoke marks an active certificate revoked. Revoking a revoked certificate
// is a ValidationError with Reason ErrAlreadyRevoked and changes nothing.
func (s *Service) Revoke(ctx context.Context, id string) (_ *records.Certificate, err error) {
	ctx, span := s.tracer.Start(ctx, "issuance.Revoke", trace.WithAttributes(attribute.String("cert.id", id)))
	defer func() { telemetry.End(span, err) }()

	var c *records.Certificate
	err = s.store.Update(ctx, func(tx *records.Tx) error {
		var err error
		if c, err = tx.Certificate(id); err != nil {
			return err
		}
		if c.Status == records.StatusRevoked {
			return &errs.ValidationError{
				Field:   "status",
				Message: "certificate is already revoked",
				Reason:  ErrAlreadyRevoked,
			}
		}
		if err := tx.SetCertificateStatus(id, records.StatusRevoked); err != nil {
			return err
		}
		c.Status = records.StatusRevoked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "certificate revoked", "cert_id", id, "serial", c.SerialNumber)
	return c, nil
}

// Delete removes a certificate with its key and certificate artifacts.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "issuance.Delete", trace.WithAttributes(attribute.String("cert.id", id)))
	defer func() { telemetry.End(span, err) }()

	err = s.store.Update(ctx, func(tx *records.Tx) error {
		c, err := tx.Certificate(id)
		if err != nil {
			return err
		}
		if err := s.artifacts.Remove(c.KeyPath, c.CertPath); err != nil {
			return fmt.Errorf("removing certificate artifacts: %w", err)
		}
		return tx.DeleteCertificate(id)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "certificate deleted", "cert_id", id)
	return nil
}

func parseSANs(typ records.CertType, dns, ips []string) ([]string, []net.IP, error) {
	if typ == records.CertTypeClient {
		if len(dns) > 0 {
			return nil, nil, errs.Validationf("sanDns", "client certificates do not carry SANs")
		}
		if len(ips) > 0 {
			return nil, nil, errs.Validationf("sanIps", "client certificates do not carry SANs")
		}
		return nil, nil, nil
	}

	var names []string
	for i, d := range dns {
		field := fmt.Sprintf("sanDns[%d]", i)
		d = strings.TrimSpace(d)
		if d == "" {
			return nil, nil, errs.Validationf(field, "DNS name must not be blank")
		}
		name, err := dnsName(field, d)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, name)
	}
	var addrs []net.IP
	for i, s := range ips {
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil {
			return nil, nil, errs.Validationf(fmt.Sprintf("sanIps[%d]", i), "%q is not an IP address", s)
		}
		addrs = append(addrs, ip)
	}
	return names, addrs, nil
}

// dnsName converts a host name to the ASCII form a certificate carries.
// Internationalised labels become punycode; a leading "*." wildcard label
// is kept.
func dnsName(field, name string) (string, error) {
	host, wildcard := strings.CutPrefix(name, "*.")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return "", errs.Validationf(field, "%q is not a valid DNS name", name)
	}
	if wildcard {
		ascii = "*." + ascii
	}
	return ascii, nil
}

func ipStrings(ips []net.IP) []string {
	if len(ips) == 0 {
		return nil
	}
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}
