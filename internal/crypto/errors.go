package crypto

import (
	"errors"
	"fmt"
)

// ErrorKind classifies non-retryable failures.
type ErrorKind string

const (
	KindConfiguration        ErrorKind = "configuration"
	KindUnsupportedKeyType   ErrorKind = "unsupported_key_type"
	KindUnsupportedOperation ErrorKind = "unsupported_operation"
	KindInvalidKeyMaterial   ErrorKind = "invalid_key_material"
	KindKeyNotFound          ErrorKind = "key_not_found"
)

// Kind sentinels, matched by errors.Is against any *CryptoError of that kind.
var (
	ErrConfiguration        = errors.New("crypto: configuration error")
	ErrUnsupportedKeyType   = errors.New("crypto: unsupported key type")
	ErrUnsupportedOperation = errors.New("crypto: unsupported operation")
	ErrInvalidKeyMaterial   = errors.New("crypto: invalid key material")
	ErrKeyNotFound          = errors.New("crypto: key not found")
)

// ErrKeyAlreadyDestroyed is returned when a cached key holder is read after
// Close. It is the only retryable condition in this package and is handled
// internally by re-acquiring the holder.
var ErrKeyAlreadyDestroyed = errors.New("crypto: cached key already destroyed")

var kindSentinels = map[ErrorKind]error{
	KindConfiguration:        ErrConfiguration,
	KindUnsupportedKeyType:   ErrUnsupportedKeyType,
	KindUnsupportedOperation: ErrUnsupportedOperation,
	KindInvalidKeyMaterial:   ErrInvalidKeyMaterial,
	KindKeyNotFound:          ErrKeyNotFound,
}

// CryptoError is the uniform error surfaced to callers for every
// non-retryable condition. The original failure is kept as the cause.
type CryptoError struct {
	Kind    ErrorKind
	Op      string
	KeyID   string
	Message string
	Err     error
}

func (e *CryptoError) Error() string {
	msg := fmt.Sprintf("crypto %s", e.Op)
	if e.KeyID != "" {
		msg += fmt.Sprintf(" (key %s)", e.KeyID)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel so callers can write errors.Is(err, ErrConfiguration).
func (e *CryptoError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newCryptoError(kind ErrorKind, op, keyID, message string, cause error) *CryptoError {
	return &CryptoError{
		Kind:    kind,
		Op:      op,
		KeyID:   keyID,
		Message: message,
		Err:     cause,
	}
}

// configError wraps any failure into a configuration error, leaving an
// existing *CryptoError untouched so the innermost classification wins.
func configError(op, keyID string, cause error) error {
	var ce *CryptoError
	if errors.As(cause, &ce) {
		return cause
	}
	return newCryptoError(KindConfiguration, op, keyID, "operation failed", cause)
}

func unsupportedKeyType(op string, key *CryptoKey) error {
	if key == nil {
		return newCryptoError(KindUnsupportedKeyType, op, "", "no key supplied", nil)
	}
	return newCryptoError(KindUnsupportedKeyType, op, key.ID,
		fmt.Sprintf("no delegate registered for type %q (usage %s)", key.Type, key.Usage), nil)
}

func unsupportedOperation(op string, key *CryptoKey, what string) error {
	id := ""
	if key != nil {
		id = key.ID
	}
	return newCryptoError(KindUnsupportedOperation, op, id, what+" is not supported by this key type", nil)
}

// ErrorKindOf returns the kind of a *CryptoError in err's chain, or "" if none.
func ErrorKindOf(err error) ErrorKind {
	var ce *CryptoError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrKeyNotFound) {
		return KindKeyNotFound
	}
	return ""
}
