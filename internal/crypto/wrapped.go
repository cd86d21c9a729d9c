package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// KeyTypeWrapped is the key type served by WrappedKeyDelegate.
const KeyTypeWrapped = "wrapped"

// wrappedKeyParams is the configuration of a wrapped key: the cipher used for
// payloads plus the id of the KEK that wraps each DEK.
type wrappedKeyParams struct {
	keyCipherParams
	KekID string `json:"kekId"`
}

func (p *wrappedKeyParams) validate() error {
	if err := requireField("kekId", p.KekID); err != nil {
		return err
	}
	return p.keyCipherParams.validate()
}

// wrappedCiphertextParams is the payload of a wrapped ciphertext.
type wrappedCiphertextParams struct {
	ciphertextParams
	Dek   string `json:"dek"`
	DekID string `json:"dekId,omitempty"`
}

func (p *wrappedCiphertextParams) validate() error {
	if err := requireField("dek", p.Dek); err != nil {
		return err
	}
	return p.ciphertextParams.validate()
}

// WrappedKeyDelegate performs stateless envelope encryption. Every call
// generates a fresh DEK and wraps it under the KEK named by the key's kekId.
type WrappedKeyDelegate struct {
	kek    *kekWrapper
	logger *logrus.Logger
}

// NewWrappedKeyDelegate builds the delegate from facade dependencies.
func NewWrappedKeyDelegate(deps Dependencies) (*WrappedKeyDelegate, error) {
	kek, err := newKEKWrapper(deps)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WrappedKeyDelegate{kek: kek, logger: logger}, nil
}

// WrappedKeyFactory is the DelegateFactory for KeyTypeWrapped.
func WrappedKeyFactory(deps Dependencies) (Delegate, error) {
	return NewWrappedKeyDelegate(deps)
}

// SupportedKeyType implements Delegate.
func (d *WrappedKeyDelegate) SupportedKeyType() string {
	return KeyTypeWrapped
}

// Encrypt implements Delegate.
func (d *WrappedKeyDelegate) Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error) {
	var params wrappedKeyParams
	if err := decodeParams(key.Configuration, &params); err != nil {
		return nil, configError("encrypt", key.ID, fmt.Errorf("invalid key configuration: %w", err))
	}
	spec := params.spec()

	iv, err := randomBytes(spec.IVSize)
	if err != nil {
		return nil, configError("encrypt", key.ID, err)
	}
	dek, err := randomBytes(spec.KeySize / 8)
	if err != nil {
		return nil, configError("encrypt", key.ID, err)
	}

	return withSecret(dek, func(dek []byte) (*CiphertextContainer, error) {
		ciphertext, err := sealWith(spec, dek, iv, plaintext)
		if err != nil {
			return nil, configError("encrypt", key.ID, fmt.Errorf("failed to encrypt payload: %w", err))
		}
		wrapped, err := d.kek.wrap(ctx, key.ID, params.KekID, dek)
		if err != nil {
			return nil, configError("encrypt", key.ID, err)
		}
		data := cipherPayload(spec, iv, ciphertext)
		data["dek"] = wrapped
		return &CiphertextContainer{Key: key, Data: data}, nil
	})
}

// Decrypt implements Delegate. Cipher parameters come from the payload only.
func (d *WrappedKeyDelegate) Decrypt(ctx context.Context, c *CiphertextContainer) ([]byte, error) {
	var params wrappedCiphertextParams
	if err := decodeParams(c.Data, &params); err != nil {
		return nil, configError("decrypt", c.Key.ID, fmt.Errorf("invalid ciphertext payload: %w", err))
	}
	dek, err := d.kek.unwrap(ctx, c.Key.ID, params.Dek)
	if err != nil {
		return nil, configError("decrypt", c.Key.ID, err)
	}
	return withSecret(dek, func(dek []byte) ([]byte, error) {
		plaintext, err := openWith(&params.ciphertextParams, dek)
		if err != nil {
			return nil, configError("decrypt", c.Key.ID, fmt.Errorf("failed to decrypt payload: %w", err))
		}
		return plaintext, nil
	})
}

// Hmac implements Delegate. Wrapped keys have no HMAC role.
func (d *WrappedKeyDelegate) Hmac(_ context.Context, holders []*HmacHolder) error {
	var key *CryptoKey
	if len(holders) > 0 {
		key = holders[0].Key
	}
	return unsupportedOperation("hmac", key, "hmac")
}

// kekWrapper wraps and unwraps DEKs through the facade under a KEK.
type kekWrapper struct {
	cryptor Cryptor
	keys    KeyProvider
}

func newKEKWrapper(deps Dependencies) (*kekWrapper, error) {
	if deps.Cryptor == nil {
		return nil, fmt.Errorf("cryptor is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	return &kekWrapper{cryptor: deps.Cryptor, keys: deps.Keys}, nil
}

// maxKEKDepth bounds how many wrapped keys may wrap each other in one call.
const maxKEKDepth = 8

type kekChainKey struct{}

// enterKEK records owner on the chain of keys being wrapped or unwrapped in
// ctx and fails when kekID is already on it, or the chain is too long.
func enterKEK(ctx context.Context, op, owner, kekID string) (context.Context, error) {
	chain, _ := ctx.Value(kekChainKey{}).([]string)
	next := append(slices.Clone(chain), owner)
	if slices.Contains(next, kekID) {
		return nil, newCryptoError(KindConfiguration, op, owner,
			fmt.Sprintf("KEK %q wraps itself through %v", kekID, next), nil)
	}
	if len(next) > maxKEKDepth {
		return nil, newCryptoError(KindConfiguration, op, owner,
			fmt.Sprintf("KEK chain deeper than %d keys", maxKEKDepth), nil)
	}
	return context.WithValue(ctx, kekChainKey{}, next), nil
}

// wrap encrypts the base64 form of dek under the KEK and returns the nested
// envelope string. owner is the id of the key the DEK belongs to.
func (w *kekWrapper) wrap(ctx context.Context, owner, kekID string, dek []byte) (string, error) {
	ctx, err := enterKEK(ctx, "encrypt", owner, kekID)
	if err != nil {
		return "", err
	}
	kek, err := w.keys.GetByID(ctx, kekID)
	if err != nil {
		return "", newCryptoError(KindKeyNotFound, "encrypt", kekID, "failed to resolve KEK", err)
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(dek)))
	base64.StdEncoding.Encode(encoded, dek)
	return withSecret(encoded, func(encoded []byte) (string, error) {
		c, err := w.cryptor.Encrypt(ctx, kek, encoded)
		if err != nil {
			return "", fmt.Errorf("failed to wrap DEK: %w", err)
		}
		env, err := FormatEnvelope(c)
		if err != nil {
			return "", fmt.Errorf("failed to format wrapped DEK: %w", err)
		}
		return env, nil
	})
}

// unwrap reverses wrap and returns the raw DEK. The caller owns and must
// wipe the result.
func (w *kekWrapper) unwrap(ctx context.Context, owner, env string) ([]byte, error) {
	kekID, _, err := ParseEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("invalid wrapped DEK: %w", err)
	}
	ctx, err = enterKEK(ctx, "decrypt", owner, kekID)
	if err != nil {
		return nil, err
	}
	encoded, err := w.cryptor.Decrypt(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap DEK: %w", err)
	}
	return withSecret(encoded, func(encoded []byte) ([]byte, error) {
		dek := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
		n, err := base64.StdEncoding.Decode(dek, encoded)
		if err != nil {
			wipe(dek)
			return nil, fmt.Errorf("wrapped DEK is not valid base64: %w", err)
		}
		return dek[:n], nil
	})
}
