package keystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/kenneth/fieldcrypt/internal/crypto"
)

// Memory is an in-process KeyProvider. It is the building block of the
// file and S3 stores, which swap whole catalogs into it.
type Memory struct {
	mu      sync.RWMutex
	keys    map[string]*crypto.CryptoKey
	order   []string
	current string
	hmac    []string
}

// NewMemory returns a store holding the catalog, or an empty store for nil.
func NewMemory(c *Catalog) (*Memory, error) {
	m := &Memory{keys: make(map[string]*crypto.CryptoKey)}
	if c != nil {
		if err := m.Load(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Load replaces the whole key set after validating it.
func (m *Memory) Load(c *Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	keys := make(map[string]*crypto.CryptoKey, len(c.Keys))
	order := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		keys[k.ID] = cloneKey(k)
		order = append(order, k.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = keys
	m.order = order
	m.current = c.CurrentEncryptionKey
	m.hmac = append([]string(nil), c.CurrentHmacKeys...)
	return nil
}

// Snapshot returns the current contents as a catalog.
func (m *Memory) Snapshot() *Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &Catalog{
		CurrentEncryptionKey: m.current,
		CurrentHmacKeys:      append([]string(nil), m.hmac...),
		Keys:                 make([]*crypto.CryptoKey, 0, len(m.order)),
	}
	for _, id := range m.order {
		c.Keys = append(c.Keys, cloneKey(m.keys[id]))
	}
	return c
}

// Put adds or replaces a key.
func (m *Memory) Put(k *crypto.CryptoKey) error {
	if err := validateKey(k); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k.ID]; !ok {
		m.order = append(m.order, k.ID)
	}
	m.keys[k.ID] = cloneKey(k)
	return nil
}

// SetCurrentEncryptionKey points new encryptions at id.
func (m *Memory) SetCurrentEncryptionKey(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return notFound(id)
	}
	if k.Usage != crypto.UsageEncryption {
		return fmt.Errorf("key %q has usage %s, not %s", id, k.Usage, crypto.UsageEncryption)
	}
	m.current = id
	return nil
}

// SetCurrentHmacKeys replaces the set of keys used for new HMACs.
func (m *Memory) SetCurrentHmacKeys(ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		k, ok := m.keys[id]
		if !ok {
			return notFound(id)
		}
		if k.Usage != crypto.UsageHmac {
			return fmt.Errorf("key %q has usage %s, not %s", id, k.Usage, crypto.UsageHmac)
		}
	}
	m.hmac = append([]string(nil), ids...)
	return nil
}

// GetByID implements crypto.KeyProvider.
func (m *Memory) GetByID(_ context.Context, id string) (*crypto.CryptoKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneKey(k), nil
}

// CurrentEncryptionKey implements crypto.KeyProvider.
func (m *Memory) CurrentEncryptionKey(_ context.Context) (*crypto.CryptoKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return nil, fmt.Errorf("%w: no current encryption key", crypto.ErrKeyNotFound)
	}
	return cloneKey(m.keys[m.current]), nil
}

// CurrentHmacKeys implements crypto.KeyProvider.
func (m *Memory) CurrentHmacKeys(_ context.Context) ([]*crypto.CryptoKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*crypto.CryptoKey, 0, len(m.hmac))
	for _, id := range m.hmac {
		out = append(out, cloneKey(m.keys[id]))
	}
	return out, nil
}

// AllCryptoKeys implements crypto.KeyProvider.
func (m *Memory) AllCryptoKeys(_ context.Context) ([]*crypto.CryptoKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*crypto.CryptoKey, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneKey(m.keys[id]))
	}
	return out, nil
}

var _ crypto.KeyProvider = (*Memory)(nil)
