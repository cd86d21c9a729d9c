package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/fieldcrypt/internal/audit"
	"github.com/kenneth/fieldcrypt/internal/crypto"
	"github.com/kenneth/fieldcrypt/internal/keystore"
)

const testCatalog = `current_encryption_key: data-1
current_hmac_keys: [hmac-1, hmac-2]
keys:
  - id: kek-1
    type: aes-local
    usage: Encryption
    configuration: {secretRef: kek-1, algorithm: AES, mode: GCM, padding: NoPadding, keySize: 256, ivSize: 12, gcmTagLength: 128}
  - id: data-1
    type: cached-wrapped
    usage: Encryption
    configuration: {kekId: kek-1, algorithm: AES, mode: GCM, padding: NoPadding, keySize: 256, ivSize: 12, gcmTagLength: 128}
  - id: data-2
    type: wrapped
    usage: Encryption
    configuration: {kekId: kek-1, algorithm: AES, mode: CBC, padding: PKCS5Padding, keySize: 128}
  - id: orphan
    type: hsm
    usage: Encryption
    configuration: {}
  - id: hmac-1
    type: aes-local
    usage: Hmac
    configuration: {secretRef: hmac-1}
  - id: hmac-2
    type: aes-local
    usage: Hmac
    configuration: {secretRef: hmac-2, hmacAlgorithm: HmacSHA512}
`

type testServer struct {
	router *mux.Router
	keys   *keystore.Memory
	audit  audit.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	catalog, err := keystore.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	keys, err := keystore.NewMemory(catalog)
	require.NoError(t, err)

	secrets := crypto.MapSecrets{
		"kek-1":  bytes.Repeat([]byte{0x42}, 32),
		"hmac-1": []byte("first hmac secret"),
		"hmac-2": []byte("second hmac secret"),
	}
	svc, err := crypto.NewService(keys, []crypto.DelegateFactory{
		crypto.LocalKeyFactory(secrets),
		crypto.WrappedKeyFactory,
		crypto.CachedWrappedKeyFactory(crypto.WithVault(crypto.NewVault())),
	}, crypto.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	auditLogger := audit.NewLogger(100, audit.NewLogrusWriter(logger))
	r := mux.NewRouter()
	NewHandler(svc, logger, auditLogger, 1<<20).RegisterRoutes(r)
	return &testServer{router: r, keys: keys, audit: auditLogger}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestEncryptDecrypt_CurrentKey(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/encrypt", EncryptRequest{Plaintext: []byte("4111 1111 1111 1111")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	enc := decodeBody[EncryptResponse](t, w)
	assert.Equal(t, "data-1", enc.KeyID)
	assert.True(t, crypto.IsEnvelope(enc.Envelope))
	assert.NotContains(t, enc.Envelope, "4111")

	w = s.do(t, "POST", "/v1/decrypt", DecryptRequest{Envelope: enc.Envelope})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []byte("4111 1111 1111 1111"), decodeBody[DecryptResponse](t, w).Plaintext)
}

func TestEncrypt_ExplicitKey(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/encrypt", EncryptRequest{KeyID: "data-2", Plaintext: []byte("cbc payload")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	enc := decodeBody[EncryptResponse](t, w)
	assert.Equal(t, "data-2", enc.KeyID)

	// Rotating the current key does not affect decryption of old envelopes.
	require.NoError(t, s.keys.SetCurrentEncryptionKey("data-1"))
	w = s.do(t, "POST", "/v1/decrypt", DecryptRequest{Envelope: enc.Envelope})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []byte("cbc payload"), decodeBody[DecryptResponse](t, w).Plaintext)
}

func TestEncryptBatch(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/encrypt/batch", BatchEncryptRequest{Plaintexts: [][]byte{[]byte("a"), []byte("b"), []byte("c")}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decodeBody[BatchEncryptResponse](t, w)
	require.Len(t, batch.Envelopes, 3)

	for i, want := range []string{"a", "b", "c"} {
		w = s.do(t, "POST", "/v1/decrypt", DecryptRequest{Envelope: batch.Envelopes[i]})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []byte(want), decodeBody[DecryptResponse](t, w).Plaintext)
	}

	w = s.do(t, "POST", "/v1/encrypt/batch", BatchEncryptRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHmac(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/hmac", HmacRequest{Values: [][]byte{[]byte("alice@example.com"), []byte("bob@example.com")}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[HmacResponse](t, w)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "hmac-1", resp.Results[0].KeyID)
	assert.Equal(t, "hmac-2", resp.Results[1].KeyID)
	require.Len(t, resp.Results[0].Hmacs, 2)
	assert.Len(t, resp.Results[0].Hmacs[0], 32)
	assert.Len(t, resp.Results[1].Hmacs[0], 64)
	assert.NotEqual(t, resp.Results[0].Hmacs[0], resp.Results[0].Hmacs[1])

	// Deterministic for the same value and key.
	again := decodeBody[HmacResponse](t, s.do(t, "POST", "/v1/hmac", HmacRequest{Values: [][]byte{[]byte("alice@example.com")}}))
	assert.Equal(t, resp.Results[0].Hmacs[0], again.Results[0].Hmacs[0])
}

func TestHmac_NoCurrentKeys(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.keys.SetCurrentHmacKeys())

	w := s.do(t, "POST", "/v1/hmac", HmacRequest{Values: [][]byte{[]byte("x")}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKeys(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/v1/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[map[string][]crypto.CryptoKey](t, w)
	assert.Len(t, list["keys"], 6)

	w = s.do(t, "GET", "/v1/keys/hmac-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, crypto.UsageHmac, decodeBody[crypto.CryptoKey](t, w).Usage)

	w = s.do(t, "GET", "/v1/keys/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeKeyNotFound, decodeBody[APIError](t, w).Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{name: "malformed json", path: "/v1/encrypt", body: "{", status: http.StatusBadRequest, code: CodeBadRequest},
		{name: "unknown field", path: "/v1/encrypt", body: `{"plain":"AA=="}`, status: http.StatusBadRequest, code: CodeBadRequest},
		{name: "trailing data", path: "/v1/decrypt", body: `{"envelope":"x"} {}`, status: http.StatusBadRequest, code: CodeBadRequest},
		{name: "missing envelope", path: "/v1/decrypt", body: DecryptRequest{}, status: http.StatusBadRequest, code: CodeBadRequest},
		{name: "unknown key", path: "/v1/encrypt", body: EncryptRequest{KeyID: "ghost", Plaintext: []byte("x")}, status: http.StatusNotFound, code: CodeKeyNotFound},
		{name: "hmac key for encryption", path: "/v1/encrypt", body: EncryptRequest{KeyID: "hmac-1", Plaintext: []byte("x")}, status: http.StatusBadRequest, code: CodeBadRequest},
		{name: "no delegate for type", path: "/v1/encrypt", body: EncryptRequest{KeyID: "orphan", Plaintext: []byte("x")}, status: http.StatusUnprocessableEntity, code: CodeUnsupportedKeyType},
		{name: "garbage envelope", path: "/v1/decrypt", body: DecryptRequest{Envelope: "not-an-envelope"}, status: http.StatusUnprocessableEntity, code: CodeConfiguration},
		{name: "oversized body", path: "/v1/encrypt", body: `{"plaintext":"` + strings.Repeat("A", 2<<20) + `"}`, status: http.StatusRequestEntityTooLarge, code: CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "POST", tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeBody[APIError](t, w).Code)
		})
	}
}

func TestDecrypt_UnknownEnvelopeKey(t *testing.T) {
	s := newTestServer(t)
	enc := decodeBody[EncryptResponse](t, s.do(t, "POST", "/v1/encrypt", EncryptRequest{KeyID: "data-2", Plaintext: []byte("secret")}))

	// An envelope naming a key the store does not know cannot be opened.
	tampered := strings.Replace(enc.Envelope, `"data-2"`, `"ghost"`, 1)
	w := s.do(t, "POST", "/v1/decrypt", DecryptRequest{Envelope: tampered})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/readyz", nil).Code)

	empty, err := keystore.NewMemory(nil)
	require.NoError(t, err)
	r := mux.NewRouter()
	svc, err := crypto.NewService(empty, nil)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	NewHandler(svc, logger, nil, 0).RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAccessIsAudited(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "POST", "/v1/encrypt", EncryptRequest{Plaintext: []byte("x")})
	s.do(t, "POST", "/v1/encrypt", EncryptRequest{KeyID: "ghost", Plaintext: []byte("x")})

	type eventSource interface{ GetEvents() []*audit.AuditEvent }
	events := s.audit.(eventSource).GetEvents()

	var access []*audit.AuditEvent
	for _, e := range events {
		if e.EventType == audit.EventTypeAccess {
			access = append(access, e)
		}
	}
	require.Len(t, access, 2)
	assert.True(t, access[0].Success)
	assert.False(t, access[1].Success)
}

func TestTranslateError_Internal(t *testing.T) {
	apiErr := TranslateError(context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, apiErr.HTTPStatus)
	assert.Equal(t, "internal server error", apiErr.Message)
	assert.Nil(t, TranslateError(nil))
}
