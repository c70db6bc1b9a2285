package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"time"

	"github.com/jmcleod/ironca/errs"
)

// Validity limits in days.
const (
	MaxCAValidityDays   = 36500
	MaxLeafValidityDays = 3650
	MinValidityDays     = 1
)

// ErrWrongKeyType is returned when a public key does not belong to the
// engine's algorithm family.
var ErrWrongKeyType = errs.New(errs.ErrConflict, "public key does not match engine family")

// Shape selects the extension profile of a certificate.
type Shape int

const (
	ShapeRoot Shape = iota
	ShapeIntermediate
	ShapeServer
	ShapeClient
)

func (s Shape) String() string {
	switch s {
	case ShapeRoot:
		return "root"
	case ShapeIntermediate:
		return "intermediate"
	case ShapeServer:
		return "server"
	case ShapeClient:
		return "client"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// IsCA reports whether certificates of this shape may sign others.
func (s Shape) IsCA() bool {
	return s == ShapeRoot || s == ShapeIntermediate
}

// MaxValidityDays is the upper validity bound for the shape.
func (s Shape) MaxValidityDays() int {
	if s.IsCA() {
		return MaxCAValidityDays
	}
	return MaxLeafValidityDays
}

// Request describes the certificate to build. PublicKey is the subject's key.
type Request struct {
	Subject      pkix.Name
	PublicKey    crypto.PublicKey
	ValidityDays int
	// DNSNames and IPAddresses are honoured for server certificates only.
	DNSNames    []string
	IPAddresses []net.IP
}

// Issuer is the signing side of a non-root certificate.
type Issuer struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
}

// Issued is the uniform result of every engine operation.
type Issued struct {
	Certificate    *x509.Certificate
	DER            []byte
	CertificatePEM []byte
	SerialNumber   string
	NotBefore      time.Time
	NotAfter       time.Time
	Fingerprint    string
}

// Engine builds and signs certificates for one key family.
type Engine interface {
	Family() Family
	// SelfSigned builds a root CA certificate signed by key itself.
	SelfSigned(key crypto.Signer, req Request) (*Issued, error)
	Intermediate(issuer Issuer, req Request) (*Issued, error)
	Server(issuer Issuer, req Request) (*Issued, error)
	Client(issuer Issuer, req Request) (*Issued, error)
}

// EngineFor returns the engine serving alg's family.
func EngineFor(alg KeyAlgorithm) (Engine, error) {
	switch a := alg.(type) {
	case rsaAlgorithm:
		return newRSAEngine(), nil
	case ecAlgorithm:
		return newECEngine(a), nil
	default:
		return nil, errs.Validationf("keyAlgorithm", "unsupported key algorithm %v", alg)
	}
}

// builder holds the family-independent template logic. Family engines embed
// it and supply the signature algorithm and public key check.
type builder struct {
	family   Family
	sigAlg   x509.SignatureAlgorithm
	checkKey func(pub crypto.PublicKey) error
	now      func() time.Time
}

func (b *builder) Family() Family { return b.family }

func (b *builder) SelfSigned(key crypto.Signer, req Request) (*Issued, error) {
	if key == nil {
		return nil, errs.Validationf("key", "signing key is required")
	}
	req.PublicKey = key.Public()
	return b.build(ShapeRoot, req, nil, key)
}

func (b *builder) Intermediate(issuer Issuer, req Request) (*Issued, error) {
	return b.build(ShapeIntermediate, req, issuer.Certificate, issuer.Signer)
}

func (b *builder) Server(issuer Issuer, req Request) (*Issued, error) {
	return b.build(ShapeServer, req, issuer.Certificate, issuer.Signer)
}

func (b *builder) Client(issuer Issuer, req Request) (*Issued, error) {
	return b.build(ShapeClient, req, issuer.Certificate, issuer.Signer)
}

func (b *builder) build(shape Shape, req Request, parent *x509.Certificate, signer crypto.Signer) (*Issued, error) {
	if err := validateRequest(shape, req); err != nil {
		return nil, err
	}
	if err := b.checkKey(req.PublicKey); err != nil {
		return nil, err
	}
	if shape != ShapeRoot {
		if parent == nil || signer == nil {
			return nil, errs.Validationf("issuer", "issuer certificate and signer are required")
		}
		if !parent.IsCA {
			return nil, errs.Validationf("issuer", "issuer certificate is not a CA")
		}
		if err := b.checkKey(signer.Public()); err != nil {
			return nil, err
		}
	}

	serial, err := NewSerial()
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(req.PublicKey)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               req.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, req.ValidityDays),
		SignatureAlgorithm:    b.sigAlg,
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
	}

	switch shape {
	case ShapeRoot:
		template.IsCA = true
		template.MaxPathLen = -1
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		// For a self-signed certificate x509 takes the AKI from the
		// template rather than the parent.
		template.AuthorityKeyId = ski
		parent = template
	case ShapeIntermediate:
		template.IsCA = true
		template.MaxPathLen = 0
		template.MaxPathLenZero = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case ShapeServer:
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = req.DNSNames
		if len(template.DNSNames) == 0 {
			template.DNSNames = []string{req.Subject.CommonName}
		}
		template.IPAddresses = req.IPAddresses
	case ShapeClient:
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, req.PublicKey, signer)
	if err != nil {
		return nil, errs.Crypto("sign "+shape.String()+" certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Crypto("parse "+shape.String()+" certificate", err)
	}

	return &Issued{
		Certificate:    cert,
		DER:            der,
		CertificatePEM: EncodeCertPEM(der),
		SerialNumber:   SerialHex(serial),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		Fingerprint:    Fingerprint(der),
	}, nil
}

func validateRequest(shape Shape, req Request) error {
	if req.Subject.CommonName == "" {
		return errs.Validationf("subject.commonName", "common name is required")
	}
	if req.ValidityDays < MinValidityDays || req.ValidityDays > shape.MaxValidityDays() {
		return errs.Validationf("validityDays", "must be between %d and %d for a %s certificate",
			MinValidityDays, shape.MaxValidityDays(), shape)
	}
	if req.PublicKey == nil {
		return errs.Validationf("publicKey", "public key is required")
	}
	return nil
}

// subjectKeyID is the SHA-1 of the subjectPublicKey bit string (RFC 5280
// section 4.2.1.2, method 1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errs.Crypto("marshal public key", err)
	}
	var info struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil, errs.Crypto("parse public key", err)
	}
	sum := sha1.Sum(info.PublicKey.Bytes)
	return sum[:], nil
}
