package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"time"
)

// ecEngine signs with ECDSA over SHA-256. Subject keys may use any supported
// curve; the issuing key only has to be EC.
type ecEngine struct {
	builder
	alg ecAlgorithm
}

var _ Engine = (*ecEngine)(nil)

func newECEngine(alg ecAlgorithm) *ecEngine {
	e := &ecEngine{alg: alg}
	e.builder = builder{
		family:   FamilyEC,
		sigAlg:   x509.ECDSAWithSHA256,
		checkKey: e.checkKey,
		now:      time.Now,
	}
	return e
}

func (e *ecEngine) checkKey(pub crypto.PublicKey) error {
	k, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: EC engine given %T", ErrWrongKeyType, pub)
	}
	if AlgorithmOf(k) == nil {
		return fmt.Errorf("%w: unsupported curve %s", ErrWrongKeyType, k.Curve.Params().Name)
	}
	return nil
}
