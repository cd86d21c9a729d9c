package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// KeyTypePBKDF2 is the key type served by PBKDF2KeyDelegate.
const KeyTypePBKDF2 = "pbkdf2"

const (
	defaultPBKDF2Iterations = 100000
	pbkdf2SaltSize          = 32
)

type pbkdf2KeyParams struct {
	keyCipherParams
	PasswordRef   string `json:"passwordRef"`
	Iterations    int    `json:"iterations"`
	Salt          string `json:"salt"`
	HmacAlgorithm string `json:"hmacAlgorithm"`
}

func (p *pbkdf2KeyParams) validate() error {
	if err := requireField("passwordRef", p.PasswordRef); err != nil {
		return err
	}
	if p.Iterations == 0 {
		p.Iterations = defaultPBKDF2Iterations
	}
	if p.Iterations < 0 {
		return fmt.Errorf("invalid iterations %d", p.Iterations)
	}
	return nil
}

type pbkdf2CiphertextParams struct {
	ciphertextParams
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`

	salt []byte
}

func (p *pbkdf2CiphertextParams) validate() error {
	if err := requireField("salt", p.Salt); err != nil {
		return err
	}
	if p.Iterations <= 0 {
		return fmt.Errorf("required field %q is missing", "iterations")
	}
	var err error
	if p.salt, err = base64.StdEncoding.DecodeString(p.Salt); err != nil {
		return fmt.Errorf("invalid salt encoding: %w", err)
	}
	return p.ciphertextParams.validate()
}

// PBKDF2KeyDelegate derives keys from a password with PBKDF2-SHA256 and a
// random salt per ciphertext.
type PBKDF2KeyDelegate struct {
	secrets SecretSource
}

// NewPBKDF2KeyDelegate returns a delegate reading passwords from secrets.
func NewPBKDF2KeyDelegate(secrets SecretSource) (*PBKDF2KeyDelegate, error) {
	if secrets == nil {
		return nil, fmt.Errorf("secret source is required")
	}
	return &PBKDF2KeyDelegate{secrets: secrets}, nil
}

// PBKDF2KeyFactory returns a DelegateFactory for KeyTypePBKDF2.
func PBKDF2KeyFactory(secrets SecretSource) DelegateFactory {
	return func(Dependencies) (Delegate, error) {
		return NewPBKDF2KeyDelegate(secrets)
	}
}

// SupportedKeyType implements Delegate.
func (d *PBKDF2KeyDelegate) SupportedKeyType() string {
	return KeyTypePBKDF2
}

func (d *PBKDF2KeyDelegate) params(op string, key *CryptoKey) (*pbkdf2KeyParams, error) {
	var p pbkdf2KeyParams
	if err := decodeParams(key.Configuration, &p); err != nil {
		return nil, configError(op, key.ID, fmt.Errorf("invalid key configuration: %w", err))
	}
	return &p, nil
}

// deriveKey derives a key of keyBits from the password behind ref.
func (d *PBKDF2KeyDelegate) deriveKey(ctx context.Context, op string, key *CryptoKey, ref string, salt []byte, iterations, keyBits int) ([]byte, error) {
	password, err := d.secrets.Secret(ctx, ref)
	if err != nil {
		return nil, newCryptoError(KindInvalidKeyMaterial, op, key.ID, "failed to load password", err)
	}
	if len(password) == 0 {
		return nil, newCryptoError(KindInvalidKeyMaterial, op, key.ID, "password is empty", nil)
	}
	return withSecret(password, func(password []byte) ([]byte, error) {
		return pbkdf2.Key(password, salt, iterations, keyBits/8, sha256.New), nil
	})
}

// Encrypt implements Delegate.
func (d *PBKDF2KeyDelegate) Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error) {
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
	salt, err := randomBytes(pbkdf2SaltSize)
	if err != nil {
		return nil, configError("encrypt", key.ID, err)
	}
	derived, err := d.deriveKey(ctx, "encrypt", key, p.PasswordRef, salt, p.Iterations, spec.KeySize)
	if err != nil {
		return nil, err
	}
	return withSecret(derived, func(derived []byte) (*CiphertextContainer, error) {
		ciphertext, err := sealWith(spec, derived, iv, plaintext)
		if err != nil {
			return nil, configError("encrypt", key.ID, fmt.Errorf("failed to encrypt payload: %w", err))
		}
		data := cipherPayload(spec, iv, ciphertext)
		data["salt"] = base64.StdEncoding.EncodeToString(salt)
		data["iterations"] = p.Iterations
		return &CiphertextContainer{Key: key, Data: data}, nil
	})
}

// Decrypt implements Delegate. Salt and iterations come from the payload.
func (d *PBKDF2KeyDelegate) Decrypt(ctx context.Context, c *CiphertextContainer) ([]byte, error) {
	p, err := d.params("decrypt", c.Key)
	if err != nil {
		return nil, err
	}
	var ct pbkdf2CiphertextParams
	if err := decodeParams(c.Data, &ct); err != nil {
		return nil, configError("decrypt", c.Key.ID, fmt.Errorf("invalid ciphertext payload: %w", err))
	}
	derived, err := d.deriveKey(ctx, "decrypt", c.Key, p.PasswordRef, ct.salt, ct.Iterations, ct.KeySize)
	if err != nil {
		return nil, err
	}
	return withSecret(derived, func(derived []byte) ([]byte, error) {
		plaintext, err := openWith(&ct.ciphertextParams, derived)
		if err != nil {
			return nil, configError("decrypt", c.Key.ID, fmt.Errorf("failed to decrypt payload: %w", err))
		}
		return plaintext, nil
	})
}

// Hmac implements Delegate. The HMAC key is derived with the salt from the
// key configuration, so results are stable across calls.
func (d *PBKDF2KeyDelegate) Hmac(ctx context.Context, holders []*HmacHolder) error {
	for _, h := range holders {
		if h.Key.Usage != UsageHmac {
			return unsupportedOperation("hmac", h.Key, "hmac with an encryption key")
		}
		p, err := d.params("hmac", h.Key)
		if err != nil {
			return err
		}
		if p.Salt == "" {
			return configError("hmac", h.Key.ID, fmt.Errorf("required field %q is missing", "salt"))
		}
		salt, err := base64.StdEncoding.DecodeString(p.Salt)
		if err != nil {
			return configError("hmac", h.Key.ID, fmt.Errorf("invalid salt encoding: %w", err))
		}
		keyBits := p.KeySize
		if keyBits <= 0 {
			keyBits = 256
		}
		derived, err := d.deriveKey(ctx, "hmac", h.Key, p.PasswordRef, salt, p.Iterations, keyBits)
		if err != nil {
			return err
		}
		sum, err := withSecret(derived, func(derived []byte) ([]byte, error) {
			return computeHmac(p.HmacAlgorithm, derived, h.Value)
		})
		if err != nil {
			return configError("hmac", h.Key.ID, err)
		}
		h.Hmac = sum
	}
	return nil
}
