package crypto

import (
	"context"
	"time"
)

// KeyUsage declares the intended cryptographic purpose of a CryptoKey.
type KeyUsage string

const (
	// UsageEncryption marks keys used to encrypt payloads or wrap other keys.
	UsageEncryption KeyUsage = "Encryption"
	// UsageHmac marks keys used to compute keyed hashes.
	UsageHmac KeyUsage = "Hmac"
)

// RekeyMode tells rotation tooling whether ciphertext under a key should be re-encrypted.
type RekeyMode string

const (
	RekeyOff RekeyMode = "KeyOff"
	RekeyOn  RekeyMode = "KeyOn"
)

// CryptoKey is a logical key descriptor. It never carries secret bytes: the
// Configuration map only holds parameters interpreted by the delegate whose
// SupportedKeyType matches Type.
type CryptoKey struct {
	ID               string         `json:"id" yaml:"id"`
	Type             string         `json:"type" yaml:"type"`
	Usage            KeyUsage       `json:"usage" yaml:"usage"`
	Configuration    map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	KeyStartTime     time.Time      `json:"keyStartTime,omitempty" yaml:"key_start_time,omitempty"`
	CreatedDate      time.Time      `json:"createdDate" yaml:"created_date"`
	LastModifiedDate time.Time      `json:"lastModifiedDate,omitempty" yaml:"last_modified_date,omitempty"`
	TenantID         string         `json:"tenantId,omitempty" yaml:"tenant_id,omitempty"`
	RekeyMode        RekeyMode      `json:"rekeyMode,omitempty" yaml:"rekey_mode,omitempty"`
}

// Equal reports whether both descriptors name the same key. Identity is the id alone.
func (k *CryptoKey) Equal(other *CryptoKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.ID == other.ID
}

// CiphertextContainer pairs the key used for an operation with the
// delegate-specific ciphertext payload. It is never persisted directly;
// FormatEnvelope turns it into the storable string form.
type CiphertextContainer struct {
	Key  *CryptoKey
	Data map[string]any
}

// HmacHolder carries one value to be keyed-hashed. Hmac is filled in place by
// the delegate that owns Key.
type HmacHolder struct {
	Key   *CryptoKey
	Value []byte
	Hmac  []byte
}

// KeyProvider resolves key descriptors. GetByID never reports absence as a
// nil key: an unknown id is an error wrapping ErrKeyNotFound.
type KeyProvider interface {
	GetByID(ctx context.Context, id string) (*CryptoKey, error)
	CurrentEncryptionKey(ctx context.Context) (*CryptoKey, error)
	CurrentHmacKeys(ctx context.Context) ([]*CryptoKey, error)
	AllCryptoKeys(ctx context.Context) ([]*CryptoKey, error)
}
