package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		spec CipherSpec
	}{
		{"AES-GCM-256", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 256, 12, 128}},
		{"AES-GCM-128", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 128, 12, 128}},
		{"AES-GCM-192-long-iv", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 192, 24, 128}},
		{"AES-GCM-96-bit-tag", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 256, 12, 96}},
		{"AES-CBC-PKCS5", CipherSpec{AlgorithmAES, ModeCBC, PaddingPKCS5, 256, 16, 0}},
		{"ChaCha20-Poly1305", CipherSpec{AlgorithmChaCha20, ModePoly1305, PaddingNone, 256, 12, 0}},
		{"XChaCha20-Poly1305", CipherSpec{AlgorithmChaCha20, ModePoly1305, PaddingNone, 256, 24, 0}},
	}

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("hello dolly"),
		bytes.Repeat([]byte("x"), 4096),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, pt := range plaintexts {
				key, _ := randomBytes(tt.spec.KeySize / 8)
				iv, _ := randomBytes(tt.spec.IVSize)
				ct, err := sealWith(tt.spec, key, iv, pt)
				if err != nil {
					t.Fatalf("seal failed: %v", err)
				}

				params := &ciphertextParams{
					Algorithm:    tt.spec.Algorithm,
					Mode:         tt.spec.Mode,
					Padding:      tt.spec.Padding,
					KeySize:      tt.spec.KeySize,
					GCMTagLength: tt.spec.GCMTagLength,
					iv:           iv,
					cipherText:   ct,
				}
				got, err := openWith(params, key)
				if err != nil {
					t.Fatalf("open failed: %v", err)
				}
				if !bytes.Equal(got, pt) {
					t.Fatalf("round trip mismatch for %d byte plaintext", len(pt))
				}
			}
		})
	}
}

func TestSeal_HelloDollyTagOverhead(t *testing.T) {
	spec := CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 256, 24, 128}
	key, _ := randomBytes(32)
	iv, _ := randomBytes(24)
	pt := []byte("hello dolly")

	ct, err := sealWith(spec, key, iv, pt)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if len(ct) != len(pt)+16 {
		t.Fatalf("expected ciphertext of %d bytes, got %d", len(pt)+16, len(ct))
	}

	payload := cipherPayload(spec, iv, ct)
	var params ciphertextParams
	if err := decodeParams(payload, &params); err != nil {
		t.Fatalf("payload did not decode: %v", err)
	}
	got, err := openWith(&params, key)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(got) != "hello dolly" {
		t.Fatalf("expected %q, got %q", "hello dolly", got)
	}
}

func TestNewCipher_RejectsInvalidCombinations(t *testing.T) {
	tests := []struct {
		name string
		spec CipherSpec
	}{
		{"unknown algorithm", CipherSpec{"DES", ModeCBC, PaddingPKCS5, 64, 8, 0}},
		{"bad AES key size", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 512, 12, 128}},
		{"GCM with padding", CipherSpec{AlgorithmAES, ModeGCM, PaddingPKCS5, 256, 12, 128}},
		{"unknown AES mode", CipherSpec{AlgorithmAES, "ECB", PaddingNone, 256, 0, 0}},
		{"unknown CBC padding", CipherSpec{AlgorithmAES, ModeCBC, "ISO10126Padding", 256, 16, 0}},
		{"ChaCha20 with GCM", CipherSpec{AlgorithmChaCha20, ModeGCM, PaddingNone, 256, 12, 128}},
		{"ChaCha20 short key", CipherSpec{AlgorithmChaCha20, ModePoly1305, PaddingNone, 128, 12, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newCipher(tt.spec); err == nil {
				t.Fatalf("expected %s to be rejected", tt.spec)
			}
		})
	}
}

func TestCipherInit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		spec    CipherSpec
		keyLen  int
		ivLen   int
	}{
		{"key length mismatch", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 256, 12, 128}, 16, 12},
		{"iv length mismatch", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 256, 12, 128}, 32, 16},
		{"short tag with long iv", CipherSpec{AlgorithmAES, ModeGCM, PaddingNone, 256, 16, 96}, 32, 16},
		{"CBC with short iv", CipherSpec{AlgorithmAES, ModeCBC, PaddingPKCS5, 256, 12, 0}, 32, 12},
		{"ChaCha20 odd nonce", CipherSpec{AlgorithmChaCha20, ModePoly1305, PaddingNone, 256, 16, 0}, 32, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := newCipher(tt.spec)
			if err != nil {
				t.Fatalf("unexpected newCipher error: %v", err)
			}
			if err := c.init(make([]byte, tt.keyLen), make([]byte, tt.ivLen)); err == nil {
				t.Fatal("expected init to fail")
			}
		})
	}
}

func TestModeNone_FailsOnUse(t *testing.T) {
	spec := CipherSpec{AlgorithmAES, ModeNone, PaddingNone, 256, 12, 128}
	key, _ := randomBytes(32)
	iv, _ := randomBytes(12)
	if _, err := sealWith(spec, key, iv, []byte("hello dolly")); err == nil {
		t.Fatal("expected uninitialized cipher to refuse encryption")
	}
}

func TestModeNone_ThroughFacadeIsConfigurationError(t *testing.T) {
	f := newTestFixture(t)
	key := wrappedKey("none-1", KeyTypeWrapped, "kek-1")
	key.Configuration["mode"] = ModeNone
	f.keys.put(key)

	_, err := f.service.Encrypt(context.Background(), key, []byte("hello dolly"))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCBC_TamperedPaddingFails(t *testing.T) {
	spec := CipherSpec{AlgorithmAES, ModeCBC, PaddingPKCS5, 256, 16, 0}
	key, _ := randomBytes(32)
	iv, _ := randomBytes(16)
	ct, err := sealWith(spec, key, iv, []byte("sixteen byte msg"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	ct[15] ^= 0xff

	params := &ciphertextParams{
		Algorithm: spec.Algorithm, Mode: spec.Mode, Padding: spec.Padding,
		KeySize: spec.KeySize, iv: iv, cipherText: ct,
	}
	if _, err := openWith(params, key); err == nil {
		t.Fatal("expected tampered padding to be rejected")
	}
}

func TestCiphertextParams_Validate(t *testing.T) {
	valid := map[string]any{
		"algorithm":    AlgorithmAES,
		"mode":         ModeGCM,
		"padding":      PaddingNone,
		"keySize":      256,
		"gcmTagLength": 128,
		"iv":           base64.StdEncoding.EncodeToString(make([]byte, 12)),
		"cipherText":   base64.StdEncoding.EncodeToString(make([]byte, 20)),
	}
	var ok ciphertextParams
	if err := decodeParams(valid, &ok); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	for _, field := range []string{"algorithm", "mode", "padding", "keySize", "iv", "cipherText"} {
		t.Run("missing "+field, func(t *testing.T) {
			m := make(map[string]any, len(valid))
			for k, v := range valid {
				if k != field {
					m[k] = v
				}
			}
			var p ciphertextParams
			if err := decodeParams(m, &p); err == nil {
				t.Fatalf("expected missing %s to be rejected", field)
			}
		})
	}

	bad := map[string]any{}
	for k, v := range valid {
		bad[k] = v
	}
	bad["iv"] = "***"
	var p ciphertextParams
	if err := decodeParams(bad, &p); err == nil {
		t.Fatal("expected invalid base64 iv to be rejected")
	}
}

func TestKeyCipherParams_Defaults(t *testing.T) {
	var p keyCipherParams
	err := decodeParams(map[string]any{"algorithm": AlgorithmAES, "mode": ModeCBC, "keySize": 128, "unknown": true}, &p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spec := p.spec()
	if spec.Padding != PaddingNone || spec.IVSize != cbcIVSize || spec.GCMTagLength != 128 {
		t.Fatalf("unexpected defaults: %+v", spec)
	}
}
