// Package keystore provides crypto.KeyProvider implementations backed by
// memory, a YAML catalog file, a SQL database or an object in S3.
package keystore

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/fieldcrypt/internal/crypto"
)

// Catalog is the serialized set of key descriptors and current-key
// pointers shared by the file and S3 stores.
type Catalog struct {
	CurrentEncryptionKey string              `yaml:"current_encryption_key"`
	CurrentHmacKeys      []string            `yaml:"current_hmac_keys,omitempty"`
	Keys                 []*crypto.CryptoKey `yaml:"keys"`
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse key catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Marshal encodes the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key catalog: %w", err)
	}
	return data, nil
}

// Validate checks ids are unique, that current pointers name keys of the
// right usage and that no key is wrapped, directly or not, by itself.
func (c *Catalog) Validate() error {
	byID := make(map[string]*crypto.CryptoKey, len(c.Keys))
	for i, k := range c.Keys {
		if k == nil {
			return fmt.Errorf("key catalog entry %d is empty", i)
		}
		if err := validateKey(k); err != nil {
			return err
		}
		if _, dup := byID[k.ID]; dup {
			return fmt.Errorf("duplicate key id %q in catalog", k.ID)
		}
		byID[k.ID] = k
	}

	if err := checkKEKCycles(byID); err != nil {
		return err
	}

	if c.CurrentEncryptionKey != "" {
		k, ok := byID[c.CurrentEncryptionKey]
		if !ok {
			return fmt.Errorf("current encryption key %q is not in the catalog", c.CurrentEncryptionKey)
		}
		if k.Usage != crypto.UsageEncryption {
			return fmt.Errorf("current encryption key %q has usage %s", k.ID, k.Usage)
		}
	}
	for _, id := range c.CurrentHmacKeys {
		k, ok := byID[id]
		if !ok {
			return fmt.Errorf("current hmac key %q is not in the catalog", id)
		}
		if k.Usage != crypto.UsageHmac {
			return fmt.Errorf("current hmac key %q has usage %s", k.ID, k.Usage)
		}
	}
	return nil
}

func kekOf(k *crypto.CryptoKey) string {
	id, _ := k.Configuration["kekId"].(string)
	return id
}

// checkKEKCycles follows kekId references from every key. References to keys
// outside the catalog end the walk.
func checkKEKCycles(byID map[string]*crypto.CryptoKey) error {
	for id := range byID {
		seen := map[string]bool{id: true}
		path := []string{id}
		for next := kekOf(byID[id]); next != ""; {
			path = append(path, next)
			if seen[next] {
				return fmt.Errorf("key %q is wrapped by itself through kekId chain %v", id, path)
			}
			k, ok := byID[next]
			if !ok {
				break
			}
			seen[next] = true
			next = kekOf(k)
		}
	}
	return nil
}

func validateKey(k *crypto.CryptoKey) error {
	if k.ID == "" {
		return fmt.Errorf("key id is required")
	}
	if k.Type == "" {
		return fmt.Errorf("key %q has no type", k.ID)
	}
	switch k.Usage {
	case crypto.UsageEncryption, crypto.UsageHmac:
	default:
		return fmt.Errorf("key %q has invalid usage %q", k.ID, k.Usage)
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", crypto.ErrKeyNotFound, id)
}

// cloneKey copies the descriptor so callers cannot mutate store state. The
// configuration map is copied one level deep.
func cloneKey(k *crypto.CryptoKey) *crypto.CryptoKey {
	c := *k
	if k.Configuration != nil {
		c.Configuration = make(map[string]any, len(k.Configuration))
		for name, v := range k.Configuration {
			c.Configuration[name] = v
		}
	}
	return &c
}
