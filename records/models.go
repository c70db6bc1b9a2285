// Package records holds the persisted CA and certificate rows and the
// transactional view the services use to read and change them.
package records

import (
	"crypto/x509/pkix"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmcleod/ironca/errs"
)

// CAType distinguishes self-signed roots from subordinate CAs.
type CAType string

const (
	CATypeRoot         CAType = "root"
	CATypeIntermediate CAType = "intermediate"
)

// CertType is the profile of an end-entity certificate.
type CertType string

const (
	CertTypeServer CertType = "server"
	CertTypeClient CertType = "client"
)

// Status is the lifecycle state of a CA or certificate. It only ever moves
// from active to revoked.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Field names used with storage.Collection.UpdateField.
const (
	FieldStatus = "status"
)

const (
	maxNameLength = 256
)

// Subject is the distinguished name of a CA or certificate.
type Subject struct {
	CommonName   string `json:"commonName"`
	Organization string `json:"organization,omitempty"`
	Country      string `json:"country,omitempty"`
}

// Validate checks the subject fields.
func (s Subject) Validate() error {
	if strings.TrimSpace(s.CommonName) == "" {
		return errs.Validationf("subject.commonName", "common name is required")
	}
	if utf8.RuneCountInString(s.CommonName) > 64 {
		return errs.Validationf("subject.commonName", "must be at most 64 characters")
	}
	if s.Country != "" && utf8.RuneCountInString(s.Country) != 2 {
		return errs.Validationf("subject.country", "must be a two-letter country code")
	}
	return nil
}

// Name converts the subject to a pkix.Name.
func (s Subject) Name() pkix.Name {
	n := pkix.Name{CommonName: strings.TrimSpace(s.CommonName)}
	if s.Organization != "" {
		n.Organization = []string{s.Organization}
	}
	if s.Country != "" {
		n.Country = []string{strings.ToUpper(s.Country)}
	}
	return n
}

// InheritFrom fills Organization and, when withCountry is set, Country from
// parent where s leaves them empty.
func (s Subject) InheritFrom(parent Subject, withCountry bool) Subject {
	if s.Organization == "" {
		s.Organization = parent.Organization
	}
	if withCountry && s.Country == "" {
		s.Country = parent.Country
	}
	return s
}

// ValidateName checks a CA display name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errs.Validationf("name", "name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return errs.Validationf("name", "must be at most %d characters", maxNameLength)
	}
	return nil
}

// CertificateAuthority is a root or intermediate CA.
type CertificateAuthority struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         CAType    `json:"type"`
	ParentID     string    `json:"parentId"`
	Subject      Subject   `json:"subject"`
	KeyAlgorithm string    `json:"keyAlgorithm"`
	KeyPath      string    `json:"keyPath"`
	CertPath     string    `json:"certPath"`
	SerialNumber string    `json:"serialNumber"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	Fingerprint  string    `json:"fingerprint"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsRoot reports whether the CA is self-signed.
func (ca *CertificateAuthority) IsRoot() bool { return ca.ParentID == "" }

// Certificate is an end-entity certificate signed by a CA.
type Certificate struct {
	ID           string    `json:"id"`
	CAID         string    `json:"caId"`
	Type         CertType  `json:"type"`
	Subject      Subject   `json:"subject"`
	SANDNS       []string  `json:"sanDns"`
	SANIPs       []string  `json:"sanIps"`
	KeyAlgorithm string    `json:"keyAlgorithm"`
	KeyPath      string    `json:"keyPath"`
	CertPath     string    `json:"certPath"`
	SerialNumber string    `json:"serialNumber"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	Fingerprint  string    `json:"fingerprint"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CAFilter selects CAs in List. Empty fields match everything.
type CAFilter struct {
	Type   CAType
	Status Status
}

func (f CAFilter) match(ca *CertificateAuthority) bool {
	return (f.Type == "" || ca.Type == f.Type) && (f.Status == "" || ca.Status == f.Status)
}

// CertificateFilter selects certificates in List. Empty fields match
// everything.
type CertificateFilter struct {
	CAID   string
	Type   CertType
	Status Status
}

func (f CertificateFilter) match(c *Certificate) bool {
	return (f.CAID == "" || c.CAID == f.CAID) &&
		(f.Type == "" || c.Type == f.Type) &&
		(f.Status == "" || c.Status == f.Status)
}

// ParseCAType validates a CA type filter value. The empty string is allowed.
func ParseCAType(s string) (CAType, error) {
	switch t := CAType(s); t {
	case "", CATypeRoot, CATypeIntermediate:
		return t, nil
	}
	return "", errs.Validationf("type", "must be %q or %q", CATypeRoot, CATypeIntermediate)
}

// ParseCertType validates a certificate type filter value. The empty string
// is allowed.
func ParseCertType(s string) (CertType, error) {
	switch t := CertType(s); t {
	case "", CertTypeServer, CertTypeClient:
		return t, nil
	}
	return "", errs.Validationf("type", "must be %q or %q", CertTypeServer, CertTypeClient)
}

// ParseStatus validates a status filter value. The empty string is allowed.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusActive, StatusRevoked:
		return st, nil
	}
	return "", errs.Validationf("status", "must be %q or %q", StatusActive, StatusRevoked)
}
