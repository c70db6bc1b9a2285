// Package errs defines the error categories shared by every IronCA service.
//
// Each category is a sentinel usable with errors.Is. Domain packages declare
// narrower sentinels that wrap one of these, so callers may test either the
// category (for example to pick an HTTP status) or the precise condition.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed or out-of-range input, or an illegal
	// state transition requested by the caller.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown identifier.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the operation is well-formed but blocked by the
	// current state of related entities.
	ErrConflict = errors.New("conflict")
	// ErrCrypto indicates key generation, signing, encryption or decryption
	// failed.
	ErrCrypto = errors.New("crypto failure")
)

// New returns a sentinel that matches category under errors.Is, for
// packages declaring their own precise errors. Its message is msg alone.
func New(category error, msg string) error {
	return &categorized{msg: msg, category: category}
}

type categorized struct {
	msg      string
	category error
}

func (e *categorized) Error() string { return e.msg }
func (e *categorized) Unwrap() error { return e.category }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
	// Reason optionally carries a precise sentinel (e.g. "already revoked").
	Reason error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// Validationf returns a ValidationError for field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CryptoError records which cryptographic step failed.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return e.Op + ": crypto failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *CryptoError) Is(target error) bool {
	return target == ErrCrypto
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Crypto wraps err as a CryptoError for op. A nil err stays nil and an
// existing CryptoError is returned unchanged.
func Crypto(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CryptoError
	if errors.As(err, &ce) {
		return err
	}
	return &CryptoError{Op: op, Err: err}
}

// FieldOf extracts the field name of a ValidationError anywhere in err's
// chain.
func FieldOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return ""
}
