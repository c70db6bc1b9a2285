package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	AESKeySize = 32
	GCMTagSize = 16
)

// ErrGCMOpen is returned when a GCM ciphertext fails authentication.
var ErrGCMOpen = errors.New("gcm authentication failed")

// SealedBox carries the three parts of an AES-GCM ciphertext separately so
// they can be serialised as distinct fields.
type SealedBox struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}

	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// SealAESGCM encrypts plainText under rawKey with a fresh random nonce.
func SealAESGCM(plainText, rawKey, aad []byte) (*SealedBox, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plainText, aad)
	split := len(sealed) - gcm.Overhead()

	return &SealedBox{
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// OpenAESGCM authenticates and decrypts box. A wrong key, tag or AAD yields
// ErrGCMOpen.
func OpenAESGCM(box *SealedBox, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	if len(box.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce size: got %d, want %d", len(box.Nonce), gcm.NonceSize())
	}
	if len(box.Tag) != GCMTagSize {
		return nil, fmt.Errorf("tag size: got %d, want %d", len(box.Tag), GCMTagSize)
	}

	sealed := make([]byte, 0, len(box.Ciphertext)+len(box.Tag))
	sealed = append(sealed, box.Ciphertext...)
	sealed = append(sealed, box.Tag...)

	plainText, err := gcm.Open(nil, box.Nonce, sealed, aad)
	if err != nil {
		return nil, ErrGCMOpen
	}

	return plainText, nil
}
