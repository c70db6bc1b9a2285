package pki

import (
	"crypto/elliptic"
	"strings"

	"github.com/jmcleod/ironca/errs"
)

// Family groups key algorithms that can sign for one another.
type Family string

const (
	FamilyRSA Family = "RSA"
	FamilyEC  Family = "EC"
)

// KeyAlgorithm is one of the closed set of supported key algorithms. The
// unexported method keeps the set closed to this package.
type KeyAlgorithm interface {
	// Name returns the canonical name, e.g. "RSA-2048" or "EC-P256".
	Name() string
	Family() Family
	isKeyAlgorithm()
}

type rsaAlgorithm struct {
	bits int
}

func (a rsaAlgorithm) Name() string {
	if a.bits == 4096 {
		return "RSA-4096"
	}
	return "RSA-2048"
}

func (rsaAlgorithm) Family() Family { return FamilyRSA }
func (rsaAlgorithm) isKeyAlgorithm() {}

// Bits returns the modulus size.
func (a rsaAlgorithm) Bits() int { return a.bits }

type ecAlgorithm struct {
	name  string
	curve elliptic.Curve
}

func (a ecAlgorithm) Name() string { return a.name }
func (ecAlgorithm) Family() Family { return FamilyEC }
func (ecAlgorithm) isKeyAlgorithm() {}
func (a ecAlgorithm) Curve() elliptic.Curve { return a.curve }

var (
	RSA2048 KeyAlgorithm = rsaAlgorithm{bits: 2048}
	RSA4096 KeyAlgorithm = rsaAlgorithm{bits: 4096}
	ECP256  KeyAlgorithm = ecAlgorithm{name: "EC-P256", curve: elliptic.P256()}
	ECP384  KeyAlgorithm = ecAlgorithm{name: "EC-P384", curve: elliptic.P384()}
	ECP521  KeyAlgorithm = ecAlgorithm{name: "EC-P521", curve: elliptic.P521()}
)

// DefaultKeyAlgorithm is used when a request leaves the algorithm empty.
var DefaultKeyAlgorithm = RSA2048

// Algorithms lists every supported algorithm in canonical order.
func Algorithms() []KeyAlgorithm {
	return []KeyAlgorithm{RSA2048, RSA4096, ECP256, ECP384, ECP521}
}

// ParseKeyAlgorithm resolves a canonical name. Matching ignores case and
// surrounding whitespace; anything outside the supported set is rejected.
func ParseKeyAlgorithm(name string) (KeyAlgorithm, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for _, alg := range Algorithms() {
		if alg.Name() == want {
			return alg, nil
		}
	}
	return nil, errs.Validationf("keyAlgorithm", "unsupported key algorithm %q", name)
}

// Compatible reports whether a and b belong to the same family, which is the
// condition for a key of one signing a certificate for a key of the other.
func Compatible(a, b KeyAlgorithm) bool {
	return a != nil && b != nil && a.Family() == b.Family()
}
