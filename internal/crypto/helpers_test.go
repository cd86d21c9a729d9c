package crypto

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// memKeys is a minimal KeyProvider for tests.
type memKeys struct {
	mu      sync.RWMutex
	keys    map[string]*CryptoKey
	current string
	hmac    []string
}

func newMemKeys(keys ...*CryptoKey) *memKeys {
	m := &memKeys{keys: make(map[string]*CryptoKey)}
	for _, k := range keys {
		m.put(k)
	}
	return m
}

func (m *memKeys) put(k *CryptoKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.ID] = k
}

func (m *memKeys) GetByID(_ context.Context, id string) (*CryptoKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return k, nil
}

func (m *memKeys) CurrentEncryptionKey(ctx context.Context) (*CryptoKey, error) {
	return m.GetByID(ctx, m.current)
}

func (m *memKeys) CurrentHmacKeys(ctx context.Context) ([]*CryptoKey, error) {
	var out []*CryptoKey
	for _, id := range m.hmac {
		k, err := m.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func (m *memKeys) AllCryptoKeys(_ context.Context) ([]*CryptoKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CryptoKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out, nil
}

func cipherConfig(extra map[string]any) map[string]any {
	cfg := map[string]any{
		"algorithm":    AlgorithmAES,
		"mode":         ModeGCM,
		"padding":      PaddingNone,
		"keySize":      256,
		"ivSize":       12,
		"gcmTagLength": 128,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

func localKey(id, secretRef string) *CryptoKey {
	return &CryptoKey{
		ID:            id,
		Type:          KeyTypeLocal,
		Usage:         UsageEncryption,
		Configuration: cipherConfig(map[string]any{"secretRef": secretRef}),
		CreatedDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func wrappedKey(id, keyType, kekID string) *CryptoKey {
	return &CryptoKey{
		ID:            id,
		Type:          keyType,
		Usage:         UsageEncryption,
		Configuration: cipherConfig(map[string]any{"kekId": kekID}),
		CreatedDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func hmacKey(id, secretRef string) *CryptoKey {
	return &CryptoKey{
		ID:            id,
		Type:          KeyTypeLocal,
		Usage:         UsageHmac,
		Configuration: map[string]any{"secretRef": secretRef},
	}
}

func testSecrets() MapSecrets {
	return MapSecrets{
		"kek-1":  bytes.Repeat([]byte{0x11}, 32),
		"kek-2":  bytes.Repeat([]byte{0x22}, 32),
		"hmac-1": []byte("hmac secret one"),
		"hmac-2": []byte("hmac secret two"),
		"pass-1": []byte("correct horse battery staple"),
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

// testFixture is a facade with every delegate registered over a standard
// set of keys.
type testFixture struct {
	keys    *memKeys
	vault   *Vault
	service *Service
	cached  *CachedWrappedKeyDelegate
}

func newTestFixture(t *testing.T, cachedOpts ...CachedWrappedOption) *testFixture {
	t.Helper()
	f := &testFixture{
		keys: newMemKeys(
			localKey("kek-1", "kek-1"),
			localKey("kek-2", "kek-2"),
			wrappedKey("data-1", KeyTypeWrapped, "kek-1"),
			wrappedKey("cached-1", KeyTypeCachedWrapped, "kek-1"),
			hmacKey("hmac-1", "hmac-1"),
			hmacKey("hmac-2", "hmac-2"),
		),
		vault: NewVault(),
	}
	secrets := testSecrets()
	opts := append([]CachedWrappedOption{WithVault(f.vault)}, cachedOpts...)
	factories := []DelegateFactory{
		LocalKeyFactory(secrets),
		PBKDF2KeyFactory(secrets),
		WrappedKeyFactory,
		func(deps Dependencies) (Delegate, error) {
			d, err := NewCachedWrappedKeyDelegate(deps, opts...)
			f.cached = d
			return d, err
		},
	}
	svc, err := NewService(f.keys, factories, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	f.service = svc
	return f
}

func (f *testFixture) key(t *testing.T, id string) *CryptoKey {
	t.Helper()
	k, err := f.keys.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("missing test key %s: %v", id, err)
	}
	return k
}
