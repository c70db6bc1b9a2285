package pki

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"
)

// rsaEngine signs with SHA-256 and PKCS#1 v1.5 padding.
type rsaEngine struct {
	builder
}

var _ Engine = (*rsaEngine)(nil)

func newRSAEngine() *rsaEngine {
	e := &rsaEngine{}
	e.builder = builder{
		family:   FamilyRSA,
		sigAlg:   x509.SHA256WithRSA,
		checkKey: e.checkKey,
		now:      time.Now,
	}
	return e
}

func (e *rsaEngine) checkKey(pub crypto.PublicKey) error {
	k, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: RSA engine given %T", ErrWrongKeyType, pub)
	}
	if bits := k.N.BitLen(); bits != 2048 && bits != 4096 {
		return fmt.Errorf("%w: unsupported RSA modulus of %d bits", ErrWrongKeyType, bits)
	}
	return nil
}
