package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalKey_CipherVariants(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	variants := map[string]map[string]any{
		"cbc": {"mode": ModeCBC, "padding": PaddingPKCS5, "ivSize": 16},
		"chacha20": {"algorithm": AlgorithmChaCha20, "mode": ModePoly1305, "ivSize": 12},
		"xchacha20": {"algorithm": AlgorithmChaCha20, "mode": ModePoly1305, "ivSize": 24},
	}
	for name, extra := range variants {
		t.Run(name, func(t *testing.T) {
			key := localKey("local-"+name, "kek-1")
			for k, v := range extra {
				key.Configuration[k] = v
			}
			f.keys.put(key)

			env, err := f.service.EncryptEnvelope(ctx, key, []byte("hello dolly"))
			require.NoError(t, err)
			pt, err := f.service.Decrypt(ctx, env)
			require.NoError(t, err)
			assert.Equal(t, "hello dolly", string(pt))
		})
	}
}

func TestLocalKey_SecretErrors(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	missing := localKey("local-missing", "no-such-secret")
	_, err := f.service.Encrypt(ctx, missing, []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidKeyMaterial), "got %v", err)

	short := localKey("local-short", "hmac-1")
	_, err = f.service.Encrypt(ctx, short, []byte("x"))
	assert.True(t, errors.Is(err, ErrConfiguration), "wrong key length, got %v", err)

	noRef := &CryptoKey{ID: "local-noref", Type: KeyTypeLocal, Configuration: cipherConfig(nil)}
	_, err = f.service.Encrypt(ctx, noRef, []byte("x"))
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
}

func TestLocalKey_Hmac(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	k512 := hmacKey("hmac-512", "hmac-2")
	k512.Configuration["hmacAlgorithm"] = HmacSHA512
	f.keys.put(k512)

	holders := []*HmacHolder{
		{Key: f.key(t, "hmac-1"), Value: []byte("alice@example.com")},
		{Key: k512, Value: []byte("alice@example.com")},
	}
	require.NoError(t, f.service.Hmac(ctx, holders))

	m256 := hmac.New(sha256.New, []byte("hmac secret one"))
	m256.Write([]byte("alice@example.com"))
	assert.Equal(t, m256.Sum(nil), holders[0].Hmac)

	m512 := hmac.New(sha512.New, []byte("hmac secret two"))
	m512.Write([]byte("alice@example.com"))
	assert.Equal(t, m512.Sum(nil), holders[1].Hmac)
}

func TestLocalKey_UsageEnforced(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	_, err := f.service.Encrypt(ctx, f.key(t, "hmac-1"), []byte("x"))
	assert.True(t, errors.Is(err, ErrUnsupportedOperation), "got %v", err)

	err = f.service.Hmac(ctx, []*HmacHolder{{Key: f.key(t, "kek-1"), Value: []byte("x")}})
	assert.True(t, errors.Is(err, ErrUnsupportedOperation), "got %v", err)

	bad := hmacKey("hmac-md5", "hmac-1")
	bad.Configuration["hmacAlgorithm"] = "HmacMD5"
	err = f.service.Hmac(ctx, []*HmacHolder{{Key: bad, Value: []byte("x")}})
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
}
