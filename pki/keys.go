package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/jmcleod/ironca/errs"
)

// ErrKeyMismatch is returned when stored key material does not match the
// algorithm recorded for it.
var ErrKeyMismatch = errors.New("key material does not match algorithm")

// KeyPair is a freshly generated or loaded private key together with the
// algorithm it was created for. Signer is a *rsa.PrivateKey or an
// *ecdsa.PrivateKey.
type KeyPair struct {
	Algorithm KeyAlgorithm
	Signer    crypto.Signer
}

// Public returns the public half.
func (kp *KeyPair) Public() crypto.PublicKey {
	return kp.Signer.Public()
}

// KeyGenerator creates key pairs, bounding how many generations run at once.
// RSA-4096 generation can take seconds; the bound keeps a burst of requests
// from monopolising every CPU.
type KeyGenerator struct {
	sem  *semaphore.Weighted
	rand io.Reader
}

// NewKeyGenerator returns a generator allowing at most limit concurrent
// generations. A limit below 1 means GOMAXPROCS.
func NewKeyGenerator(limit int) *KeyGenerator {
	if limit < 1 {
		limit = runtime.GOMAXPROCS(0)
	}
	return &KeyGenerator{
		sem:  semaphore.NewWeighted(int64(limit)),
		rand: rand.Reader,
	}
}

var defaultGenerator = NewKeyGenerator(0)

// GenerateKeyPair generates a key with the package-wide generator.
func GenerateKeyPair(ctx context.Context, alg KeyAlgorithm) (*KeyPair, error) {
	return defaultGenerator.Generate(ctx, alg)
}

// Generate waits for a free slot, then generates a key for alg. Cancellation
// is honoured only while waiting; a generation already started runs to
// completion.
func (g *KeyGenerator) Generate(ctx context.Context, alg KeyAlgorithm) (*KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	var (
		signer crypto.Signer
		err    error
	)
	switch a := alg.(type) {
	case rsaAlgorithm:
		signer, err = rsa.GenerateKey(g.rand, a.bits)
	case ecAlgorithm:
		signer, err = ecdsa.GenerateKey(a.curve, g.rand)
	default:
		return nil, errs.Validationf("keyAlgorithm", "unsupported key algorithm %v", alg)
	}
	if err != nil {
		return nil, errs.Crypto("generate "+alg.Name()+" key", err)
	}
	return &KeyPair{Algorithm: alg, Signer: signer}, nil
}

// ---------------------------------------------------------------------------
// Key material serialisation
// ---------------------------------------------------------------------------

// ecKeyMaterial is the stored form of an EC key pair.
type ecKeyMaterial struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// MarshalKeyMaterial serialises kp for the key store. RSA keys become a single
// PKCS#1 PEM block; EC keys become a JSON object holding the SEC1 private key
// PEM and the PKIX public key PEM.
func MarshalKeyMaterial(kp *KeyPair) ([]byte, error) {
	switch key := kp.Signer.(type) {
	case *rsa.PrivateKey:
		der := x509.MarshalPKCS1PrivateKey(key)
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, errs.Crypto("marshal EC private key", err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, errs.Crypto("marshal EC public key", err)
		}
		return json.Marshal(ecKeyMaterial{
			PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})),
			PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		})
	default:
		return nil, fmt.Errorf("unsupported key type %T", kp.Signer)
	}
}

// ParseKeyMaterial reverses MarshalKeyMaterial and checks the result against
// alg.
func ParseKeyMaterial(alg KeyAlgorithm, data []byte) (*KeyPair, error) {
	keyPEM, err := PrivateKeyPEM(alg, data)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("private key: %w", ErrInvalidPEM)
	}

	switch a := alg.(type) {
	case rsaAlgorithm:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errs.Crypto("parse RSA private key", err)
		}
		if key.N.BitLen() != a.bits {
			return nil, fmt.Errorf("%w: %d-bit key stored for %s", ErrKeyMismatch, key.N.BitLen(), alg.Name())
		}
		return &KeyPair{Algorithm: alg, Signer: key}, nil
	case ecAlgorithm:
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errs.Crypto("parse EC private key", err)
		}
		if key.Curve != a.curve {
			return nil, fmt.Errorf("%w: %s key stored for %s", ErrKeyMismatch, key.Curve.Params().Name, alg.Name())
		}
		if err := checkECPublicHalf(key, data); err != nil {
			return nil, err
		}
		return &KeyPair{Algorithm: alg, Signer: key}, nil
	default:
		return nil, errs.Validationf("keyAlgorithm", "unsupported key algorithm %v", alg)
	}
}

// PrivateKeyPEM extracts the private key PEM from stored key material.
func PrivateKeyPEM(alg KeyAlgorithm, data []byte) ([]byte, error) {
	if alg == nil {
		return nil, errs.Validationf("keyAlgorithm", "key algorithm is required")
	}
	if alg.Family() == FamilyRSA {
		return data, nil
	}
	var m ecKeyMaterial
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding EC key material: %w", err)
	}
	if m.PrivateKey == "" {
		return nil, fmt.Errorf("EC key material: %w", ErrInvalidPEM)
	}
	return []byte(m.PrivateKey), nil
}

func checkECPublicHalf(key *ecdsa.PrivateKey, data []byte) error {
	var m ecKeyMaterial
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decoding EC key material: %w", err)
	}
	block, _ := pem.Decode([]byte(m.PublicKey))
	if block == nil {
		return fmt.Errorf("EC public key: %w", ErrInvalidPEM)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return errs.Crypto("parse EC public key", err)
	}
	if !key.PublicKey.Equal(pub) {
		return fmt.Errorf("%w: public key does not match private key", ErrKeyMismatch)
	}
	return nil
}

// AlgorithmOf reports the algorithm of a public key, or nil when the key is
// outside the supported set.
func AlgorithmOf(pub crypto.PublicKey) KeyAlgorithm {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		switch k.N.BitLen() {
		case 2048:
			return RSA2048
		case 4096:
			return RSA4096
		}
	case *ecdsa.PublicKey:
		for _, alg := range Algorithms() {
			if ec, ok := alg.(ecAlgorithm); ok && ec.curve == k.Curve {
				return alg
			}
		}
	}
	return nil
}
