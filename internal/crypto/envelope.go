package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the canonical storage form of a CiphertextContainer:
//
//	{"cryptoKeyId": "<key id>", "data": {...delegate payload...}}
type envelope struct {
	CryptoKeyID string         `json:"cryptoKeyId"`
	Data        map[string]any `json:"data"`
}

// FormatEnvelope renders a container as its envelope string.
func FormatEnvelope(c *CiphertextContainer) (string, error) {
	if c == nil || c.Key == nil {
		return "", fmt.Errorf("ciphertext container has no key")
	}
	if c.Key.ID == "" {
		return "", fmt.Errorf("ciphertext container key has no id")
	}
	raw, err := json.Marshal(envelope{CryptoKeyID: c.Key.ID, Data: c.Data})
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(raw), nil
}

// ParseEnvelope splits an envelope string into its key id and payload.
func ParseEnvelope(s string) (string, map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return "", nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if dec.More() {
		return "", nil, fmt.Errorf("trailing data after envelope")
	}
	if env.CryptoKeyID == "" {
		return "", nil, fmt.Errorf("envelope has no cryptoKeyId")
	}
	if env.Data == nil {
		return "", nil, fmt.Errorf("envelope has no data")
	}
	return env.CryptoKeyID, env.Data, nil
}

// parseContainer parses an envelope and resolves its key through keys.
func parseContainer(ctx context.Context, keys KeyProvider, s string) (*CiphertextContainer, error) {
	id, data, err := ParseEnvelope(s)
	if err != nil {
		return nil, newCryptoError(KindConfiguration, "decrypt", "", "malformed envelope", err)
	}
	key, err := keys.GetByID(ctx, id)
	if err != nil {
		return nil, newCryptoError(KindKeyNotFound, "decrypt", id, "failed to resolve key", err)
	}
	if key == nil {
		return nil, newCryptoError(KindKeyNotFound, "decrypt", id, "key provider returned no key", ErrKeyNotFound)
	}
	return &CiphertextContainer{Key: key, Data: data}, nil
}

// IsEnvelope reports whether s looks like an envelope string. It is a cheap
// check used by callers that store mixed plaintext and ciphertext.
func IsEnvelope(s string) bool {
	b := bytes.TrimSpace([]byte(s))
	return len(b) > 0 && b[0] == '{' && bytes.Contains(b, []byte(`"cryptoKeyId"`))
}
