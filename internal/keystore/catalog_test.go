package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/fieldcrypt/internal/crypto"
)

const sampleCatalog = `current_encryption_key: data-1
current_hmac_keys: [hmac-1]
keys:
  - id: kek-1
    type: aes-local
    usage: Encryption
    created_date: 2024-01-01T00:00:00Z
    configuration: {secretRef: kek-1, algorithm: AES, mode: GCM, padding: NoPadding, keySize: 256, ivSize: 12, gcmTagLength: 128}
  - id: data-1
    type: cached-wrapped
    usage: Encryption
    created_date: 2024-01-02T00:00:00Z
    configuration:
      kekId: kek-1
      algorithm: AES
      mode: GCM
      padding: NoPadding
      keySize: 256
      ivSize: 12
      gcmTagLength: 128
  - id: hmac-1
    type: aes-local
    usage: Hmac
    created_date: 2024-01-03T00:00:00Z
    configuration: {secretRef: hmac-1}
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	assert.Equal(t, "data-1", c.CurrentEncryptionKey)
	assert.Equal(t, []string{"hmac-1"}, c.CurrentHmacKeys)
	require.Len(t, c.Keys, 3)
	assert.Equal(t, crypto.UsageHmac, c.Keys[2].Usage)
	assert.Equal(t, "kek-1", c.Keys[1].Configuration["kekId"])
	assert.Equal(t, 256, c.Keys[1].Configuration["keySize"])
	assert.Equal(t, 2024, c.Keys[0].CreatedDate.Year())
}

func TestParseCatalog_RoundTrip(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	data, err := c.Marshal()
	require.NoError(t, err)
	again, err := ParseCatalog(data)
	require.NoError(t, err)
	assert.Equal(t, c.CurrentEncryptionKey, again.CurrentEncryptionKey)
	assert.Len(t, again.Keys, 3)
}

func TestCatalog_Validate(t *testing.T) {
	enc := &crypto.CryptoKey{ID: "a", Type: "aes-local", Usage: crypto.UsageEncryption}
	mac := &crypto.CryptoKey{ID: "m", Type: "aes-local", Usage: crypto.UsageHmac}

	tests := []struct {
		name    string
		catalog Catalog
		wantErr string
	}{
		{name: "valid", catalog: Catalog{CurrentEncryptionKey: "a", CurrentHmacKeys: []string{"m"}, Keys: []*crypto.CryptoKey{enc, mac}}},
		{name: "empty is valid", catalog: Catalog{}},
		{name: "duplicate id", catalog: Catalog{Keys: []*crypto.CryptoKey{enc, enc}}, wantErr: "duplicate key id"},
		{name: "missing id", catalog: Catalog{Keys: []*crypto.CryptoKey{{Type: "x", Usage: crypto.UsageHmac}}}, wantErr: "key id is required"},
		{name: "missing type", catalog: Catalog{Keys: []*crypto.CryptoKey{{ID: "x", Usage: crypto.UsageHmac}}}, wantErr: "has no type"},
		{name: "bad usage", catalog: Catalog{Keys: []*crypto.CryptoKey{{ID: "x", Type: "t", Usage: "Sign"}}}, wantErr: "invalid usage"},
		{name: "unknown current", catalog: Catalog{CurrentEncryptionKey: "zz", Keys: []*crypto.CryptoKey{enc}}, wantErr: "not in the catalog"},
		{name: "current with hmac usage", catalog: Catalog{CurrentEncryptionKey: "m", Keys: []*crypto.CryptoKey{mac}}, wantErr: "has usage Hmac"},
		{name: "hmac pointer at encryption key", catalog: Catalog{CurrentHmacKeys: []string{"a"}, Keys: []*crypto.CryptoKey{enc}}, wantErr: "has usage Encryption"},
		{name: "key wrapped by itself", catalog: Catalog{Keys: []*crypto.CryptoKey{
			{ID: "w", Type: "wrapped", Usage: crypto.UsageEncryption, Configuration: map[string]any{"kekId": "w"}},
		}}, wantErr: "wrapped by itself"},
		{name: "kekId cycle through two keys", catalog: Catalog{Keys: []*crypto.CryptoKey{
			enc,
			{ID: "w1", Type: "wrapped", Usage: crypto.UsageEncryption, Configuration: map[string]any{"kekId": "w2"}},
			{ID: "w2", Type: "cached-wrapped", Usage: crypto.UsageEncryption, Configuration: map[string]any{"kekId": "w1"}},
		}}, wantErr: "wrapped by itself"},
		{name: "kekId chain without cycle", catalog: Catalog{Keys: []*crypto.CryptoKey{
			enc,
			{ID: "w1", Type: "wrapped", Usage: crypto.UsageEncryption, Configuration: map[string]any{"kekId": "w2"}},
			{ID: "w2", Type: "wrapped", Usage: crypto.UsageEncryption, Configuration: map[string]any{"kekId": "a"}},
			{ID: "w3", Type: "wrapped", Usage: crypto.UsageEncryption, Configuration: map[string]any{"kekId": "elsewhere"}},
		}}},
		{name: "nil entry", catalog: Catalog{Keys: []*crypto.CryptoKey{nil}}, wantErr: "is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.catalog.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseCatalog_InvalidYAML(t *testing.T) {
	_, err := ParseCatalog([]byte("keys: {"))
	assert.Error(t, err)
}
