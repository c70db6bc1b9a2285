package pki

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/ironca/internal/util"
)

// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
var ErrInvalidPEM = errors.New("invalid PEM data")

// Fingerprint returns the SHA-256 digest of der as colon-separated uppercase
// hex pairs.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return util.HexColon(sum[:])
}

// EncodeCertPEM wraps DER bytes in a CERTIFICATE block.
func EncodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// CertificateDER returns the DER bytes of the first CERTIFICATE block in
// certPEM.
func CertificateDER(certPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	return block.Bytes, nil
}

// ParseCertificatePEM decodes and parses a single PEM certificate.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	der, err := CertificateDER(certPEM)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// SubjectString formats a pkix.Name as a readable DN string.
func SubjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// DescribeKey returns a human-readable key description for a parsed
// certificate.
func DescribeKey(cert *x509.Certificate) string {
	if alg := AlgorithmOf(cert.PublicKey); alg != nil {
		return alg.Name()
	}
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
