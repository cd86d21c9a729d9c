package crypto

import (
	"fmt"
	"sync"
)

// CachedKeyHolder shares one cached raw key between concurrent callers. The
// key lives in a Vault; Key hands out copies and Close destroys the entry.
// A read either returns the correct bytes or fails with
// ErrKeyAlreadyDestroyed, never anything in between.
type CachedKeyHolder struct {
	id        string
	persisted string
	vault     *Vault

	mu     sync.RWMutex
	handle string // empty once closed

	// readHook runs while the read lock is held. Tests use it to widen races.
	readHook func()
}

// NewCachedKeyHolder stores raw in vault. persisted is the wrapped form of
// the same key, written into new ciphertext. raw stays owned by the caller.
func NewCachedKeyHolder(vault *Vault, id string, raw []byte, persisted string) (*CachedKeyHolder, error) {
	if id == "" {
		return nil, newCryptoError(KindInvalidKeyMaterial, "cache", "", "cached key has no id", nil)
	}
	if len(raw) == 0 {
		return nil, newCryptoError(KindInvalidKeyMaterial, "cache", id, "cached key bytes are empty", nil)
	}
	if vault == nil {
		vault = DefaultVault()
	}
	handle, err := vault.Put(raw)
	if err != nil {
		return nil, newCryptoError(KindInvalidKeyMaterial, "cache", id, "failed to store key", err)
	}
	return &CachedKeyHolder{
		id:        id,
		persisted: persisted,
		vault:     vault,
		handle:    handle,
	}, nil
}

// ID returns the logical key id.
func (h *CachedKeyHolder) ID() string {
	return h.id
}

// Persisted returns the wrapped form of the key.
func (h *CachedKeyHolder) Persisted() string {
	return h.persisted
}

// Key returns a copy of the raw key. Callers must wipe it after use.
func (h *CachedKeyHolder) Key() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.readHook != nil {
		h.readHook()
	}
	if h.handle == "" {
		return nil, ErrKeyAlreadyDestroyed
	}
	raw, ok, err := h.vault.Get(h.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached key %s: %w", h.id, err)
	}
	if !ok {
		return nil, ErrKeyAlreadyDestroyed
	}
	return raw, nil
}

// Close destroys the cached key. It is safe to call more than once. The
// handle is cleared before the vault entry is removed, so late readers fail
// fast instead of racing the removal.
func (h *CachedKeyHolder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handle == "" {
		return nil
	}
	handle := h.handle
	h.handle = ""
	h.vault.Remove(handle)
	return nil
}

// Closed reports whether Close has run.
func (h *CachedKeyHolder) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handle == ""
}

// Equal compares holders by logical key id only.
func (h *CachedKeyHolder) Equal(other *CachedKeyHolder) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.id == other.id
}
