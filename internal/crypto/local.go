package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// KeyTypeLocal is the key type served by LocalKeyDelegate.
const KeyTypeLocal = "aes-local"

const (
	HmacSHA256 = "HmacSHA256"
	HmacSHA512 = "HmacSHA512"
)

func hmacHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", HmacSHA256:
		return sha256.New, nil
	case HmacSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported hmac algorithm %q", algorithm)
	}
}

func computeHmac(algorithm string, key, value []byte) ([]byte, error) {
	h, err := hmacHash(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h, key)
	mac.Write(value)
	return mac.Sum(nil), nil
}

// localKeyParams is the configuration of an aes-local key. The key bytes
// themselves come from a SecretSource.
type localKeyParams struct {
	keyCipherParams
	SecretRef     string `json:"secretRef"`
	HmacAlgorithm string `json:"hmacAlgorithm"`
}

func (p *localKeyParams) validate() error {
	return requireField("secretRef", p.SecretRef)
}

// LocalKeyDelegate encrypts with key material held in a SecretSource. It is
// the usual KEK type for wrapped keys and also computes HMACs.
type LocalKeyDelegate struct {
	secrets SecretSource
}

// NewLocalKeyDelegate returns a delegate reading key material from secrets.
func NewLocalKeyDelegate(secrets SecretSource) (*LocalKeyDelegate, error) {
	if secrets == nil {
		return nil, fmt.Errorf("secret source is required")
	}
	return &LocalKeyDelegate{secrets: secrets}, nil
}

// LocalKeyFactory returns a DelegateFactory for KeyTypeLocal.
func LocalKeyFactory(secrets SecretSource) DelegateFactory {
	return func(Dependencies) (Delegate, error) {
		return NewLocalKeyDelegate(secrets)
	}
}

// SupportedKeyType implements Delegate.
func (d *LocalKeyDelegate) SupportedKeyType() string {
	return KeyTypeLocal
}

func (d *LocalKeyDelegate) params(op string, key *CryptoKey) (*localKeyParams, error) {
	var p localKeyParams
	if err := decodeParams(key.Configuration, &p); err != nil {
		return nil, configError(op, key.ID, fmt.Errorf("invalid key configuration: %w", err))
	}
	return &p, nil
}

func (d *LocalKeyDelegate) secret(ctx context.Context, op string, key *CryptoKey, ref string) ([]byte, error) {
	s, err := d.secrets.Secret(ctx, ref)
	if err != nil {
		return nil, newCryptoError(KindInvalidKeyMaterial, op, key.ID, "failed to load key material", err)
	}
	if len(s) == 0 {
		return nil, newCryptoError(KindInvalidKeyMaterial, op, key.ID, "key material is empty", nil)
	}
	return s, nil
}

// Encrypt implements Delegate.
func (d *LocalKeyDelegate) Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error) {
	if key.Usage == UsageHmac {
		return nil, unsupportedOperation("encrypt", key, "encryption with an hmac key")
	}
	p, err := d.params("encrypt", key)
	if err != nil {
		return nil, err
	}
	if err := p.keyCipherParams.validate(); err != nil {
		return nil, configError("encrypt", key.ID, fmt.Errorf("invalid key configuration: %w", err))
	}
	spec := p.spec()
	iv, err := randomBytes(spec.IVSize)
	if err != nil {
		return nil, configError("encrypt", key.ID, err)
	}
	secret, err := d.secret(ctx, "encrypt", key, p.SecretRef)
	if err != nil {
		return nil, err
	}
	return withSecret(secret, func(secret []byte) (*CiphertextContainer, error) {
		ciphertext, err := sealWith(spec, secret, iv, plaintext)
		if err != nil {
			return nil, configError("encrypt", key.ID, fmt.Errorf("failed to encrypt payload: %w", err))
		}
		return &CiphertextContainer{Key: key, Data: cipherPayload(spec, iv, ciphertext)}, nil
	})
}

// Decrypt implements Delegate.
func (d *LocalKeyDelegate) Decrypt(ctx context.Context, c *CiphertextContainer) ([]byte, error) {
	p, err := d.params("decrypt", c.Key)
	if err != nil {
		return nil, err
	}
	var ct ciphertextParams
	if err := decodeParams(c.Data, &ct); err != nil {
		return nil, configError("decrypt", c.Key.ID, fmt.Errorf("invalid ciphertext payload: %w", err))
	}
	secret, err := d.secret(ctx, "decrypt", c.Key, p.SecretRef)
	if err != nil {
		return nil, err
	}
	return withSecret(secret, func(secret []byte) ([]byte, error) {
		plaintext, err := openWith(&ct, secret)
		if err != nil {
			return nil, configError("decrypt", c.Key.ID, fmt.Errorf("failed to decrypt payload: %w", err))
		}
		return plaintext, nil
	})
}

// Hmac implements Delegate.
func (d *LocalKeyDelegate) Hmac(ctx context.Context, holders []*HmacHolder) error {
	for _, h := range holders {
		if h.Key.Usage != UsageHmac {
			return unsupportedOperation("hmac", h.Key, "hmac with an encryption key")
		}
		p, err := d.params("hmac", h.Key)
		if err != nil {
			return err
		}
		secret, err := d.secret(ctx, "hmac", h.Key, p.SecretRef)
		if err != nil {
			return err
		}
		sum, err := withSecret(secret, func(secret []byte) ([]byte, error) {
			return computeHmac(p.HmacAlgorithm, secret, h.Value)
		})
		if err != nil {
			return configError("hmac", h.Key.ID, err)
		}
		h.Hmac = sum
	}
	return nil
}
