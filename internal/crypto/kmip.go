package crypto

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
)

// KeyTypeKMIP is the key type served by KMIPKeyDelegate.
const KeyTypeKMIP = "kmip"

// KMIPClient performs symmetric operations with keys that never leave a
// KMIP server.
type KMIPClient interface {
	// Encrypt returns the id of the key the server used and the ciphertext.
	Encrypt(ctx context.Context, keyID string, plaintext []byte) (string, []byte, error)
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
	Close() error
}

// KMIPOptions configures the connection to a KMIP server.
type KMIPOptions struct {
	Endpoint  string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

type kmipConn struct {
	mu      sync.RWMutex
	client  *kmipclient.Client
	timeout time.Duration
}

// DialKMIP connects to the KMIP server at opts.Endpoint (host:port).
func DialKMIP(opts KMIPOptions) (KMIPClient, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("kmip: endpoint is required")
	}
	tlsCfg := opts.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client, err := kmipclient.Dial(endpoint, kmipclient.WithTlsConfig(tlsCfg))
	if err != nil {
		return nil, fmt.Errorf("kmip: failed to dial %s: %w", endpoint, err)
	}
	return &kmipConn{client: client, timeout: timeout}, nil
}

// kmipCryptoParams leaves the block cipher mode to the server.
func kmipCryptoParams() kmip.CryptographicParameters {
	return kmip.CryptographicParameters{
		CryptographicAlgorithm: kmip.CryptographicAlgorithmAES,
		PaddingMethod:          kmip.PaddingMethodNone,
	}
}

func (c *kmipConn) conn() (*kmipclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errors.New("kmip: client is closed")
	}
	return c.client, nil
}

func (c *kmipConn) Encrypt(ctx context.Context, keyID string, plaintext []byte) (string, []byte, error) {
	client, err := c.conn()
	if err != nil {
		return "", nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := client.Encrypt(keyID).
		WithCryptographicParameters(kmipCryptoParams()).
		Data(plaintext).
		ExecContext(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("kmip: encrypt with key %s failed: %w", keyID, err)
	}
	used := resp.UniqueIdentifier
	if used == "" {
		used = keyID
	}
	return used, resp.Data, nil
}

func (c *kmipConn) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	client, err := c.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := client.Decrypt(keyID).
		WithCryptographicParameters(kmipCryptoParams()).
		Data(ciphertext).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("kmip: decrypt with key %s failed: %w", keyID, err)
	}
	return resp.Data, nil
}

func (c *kmipConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

type kmipKeyParams struct {
	KmipKeyID string `json:"kmipKeyId"`
}

func (p *kmipKeyParams) validate() error {
	return requireField("kmipKeyId", p.KmipKeyID)
}

type kmipCiphertextParams struct {
	KmipKeyID  string `json:"kmipKeyId"`
	CipherText string `json:"cipherText"`

	cipherText []byte
}

func (p *kmipCiphertextParams) validate() error {
	if err := requireField("cipherText", p.CipherText); err != nil {
		return err
	}
	var err error
	if p.cipherText, err = base64.StdEncoding.DecodeString(p.CipherText); err != nil {
		return fmt.Errorf("invalid cipherText encoding: %w", err)
	}
	return nil
}

// KMIPKeyDelegate encrypts with keys held by a KMIP server. It is meant to
// serve as a KEK: payloads are small and every call is a network round trip.
type KMIPKeyDelegate struct {
	client KMIPClient
}

// NewKMIPKeyDelegate returns a delegate using client.
func NewKMIPKeyDelegate(client KMIPClient) (*KMIPKeyDelegate, error) {
	if client == nil {
		return nil, fmt.Errorf("kmip client is required")
	}
	return &KMIPKeyDelegate{client: client}, nil
}

// KMIPKeyFactory returns a DelegateFactory for KeyTypeKMIP.
func KMIPKeyFactory(client KMIPClient) DelegateFactory {
	return func(Dependencies) (Delegate, error) {
		return NewKMIPKeyDelegate(client)
	}
}

// SupportedKeyType implements Delegate.
func (d *KMIPKeyDelegate) SupportedKeyType() string {
	return KeyTypeKMIP
}

// Encrypt implements Delegate.
func (d *KMIPKeyDelegate) Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error) {
	if key.Usage == UsageHmac {
		return nil, unsupportedOperation("encrypt", key, "encryption with an hmac key")
	}
	var p kmipKeyParams
	if err := decodeParams(key.Configuration, &p); err != nil {
		return nil, configError("encrypt", key.ID, fmt.Errorf("invalid key configuration: %w", err))
	}
	used, ciphertext, err := d.client.Encrypt(ctx, p.KmipKeyID, plaintext)
	if err != nil {
		return nil, newCryptoError(KindInvalidKeyMaterial, "encrypt", key.ID, "kms request failed", err)
	}
	return &CiphertextContainer{Key: key, Data: map[string]any{
		"kmipKeyId":  used,
		"cipherText": base64.StdEncoding.EncodeToString(ciphertext),
	}}, nil
}

// Decrypt implements Delegate. The server key recorded in the payload wins
// over the configured one, so payloads survive a change of kmipKeyId.
func (d *KMIPKeyDelegate) Decrypt(ctx context.Context, c *CiphertextContainer) ([]byte, error) {
	var ct kmipCiphertextParams
	if err := decodeParams(c.Data, &ct); err != nil {
		return nil, configError("decrypt", c.Key.ID, fmt.Errorf("invalid ciphertext payload: %w", err))
	}
	serverKey := ct.KmipKeyID
	if serverKey == "" {
		var p kmipKeyParams
		if err := decodeParams(c.Key.Configuration, &p); err != nil {
			return nil, configError("decrypt", c.Key.ID, fmt.Errorf("invalid key configuration: %w", err))
		}
		serverKey = p.KmipKeyID
	}
	plaintext, err := d.client.Decrypt(ctx, serverKey, ct.cipherText)
	if err != nil {
		return nil, newCryptoError(KindInvalidKeyMaterial, "decrypt", c.Key.ID, "kms request failed", err)
	}
	return plaintext, nil
}

// Hmac implements Delegate. KMIP keys are not used for HMACs.
func (d *KMIPKeyDelegate) Hmac(_ context.Context, holders []*HmacHolder) error {
	if len(holders) == 0 {
		return nil
	}
	return unsupportedOperation("hmac", holders[0].Key, "hmac with a kmip key")
}

// Close closes the KMIP connection.
func (d *KMIPKeyDelegate) Close() error {
	return d.client.Close()
}
