package crypto

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	vaultKeyBits = 256
	vaultIVSize  = gcmStandardNonceSize
)

var vaultSpec = CipherSpec{
	Algorithm:    AlgorithmAES,
	Mode:         ModeGCM,
	Padding:      PaddingNone,
	KeySize:      vaultKeyBits,
	IVSize:       vaultIVSize,
	GCMTagLength: gcmStandardTagBits,
}

type vaultEntry struct {
	key        []byte
	iv         []byte
	ciphertext []byte
}

func (e *vaultEntry) destroy() {
	wipe(e.ciphertext)
	wipe(e.iv)
	wipe(e.key)
}

// Vault keeps cached raw keys encrypted at rest in process memory. Each
// entry has its own one-time AES-256 key, so a dump of one region does not
// expose usable key material by itself.
type Vault struct {
	mu      sync.RWMutex
	entries map[string]*vaultEntry
}

var (
	defaultVault     *Vault
	defaultVaultOnce sync.Once
)

// DefaultVault returns the process-wide vault.
func DefaultVault() *Vault {
	defaultVaultOnce.Do(func() {
		defaultVault = NewVault()
	})
	return defaultVault
}

// NewVault creates an empty vault. Most callers want DefaultVault; separate
// vaults are useful in tests.
func NewVault() *Vault {
	return &Vault{entries: make(map[string]*vaultEntry)}
}

// Put encrypts raw under a fresh vault key and returns an opaque handle.
// raw is not retained.
func (v *Vault) Put(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("vault: refusing to store empty key")
	}
	key, err := randomBytes(vaultKeyBits / 8)
	if err != nil {
		return "", err
	}
	iv, err := randomBytes(vaultIVSize)
	if err != nil {
		wipe(key)
		return "", err
	}
	ciphertext, err := sealWith(vaultSpec, key, iv, raw)
	if err != nil {
		wipe(key)
		return "", fmt.Errorf("vault: failed to seal key: %w", err)
	}

	handle := uuid.NewString()
	v.mu.Lock()
	v.entries[handle] = &vaultEntry{key: key, iv: iv, ciphertext: ciphertext}
	v.mu.Unlock()
	return handle, nil
}

// Get returns a fresh copy of the raw key stored under handle. ok is false
// when the handle is unknown or already removed; err reports a decrypt
// failure of an existing entry.
func (v *Vault) Get(handle string) (raw []byte, ok bool, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	e, found := v.entries[handle]
	if !found {
		return nil, false, nil
	}
	c, err := newCipher(vaultSpec)
	if err != nil {
		return nil, true, err
	}
	if err := c.init(e.key, e.iv); err != nil {
		return nil, true, fmt.Errorf("vault: failed to init cipher: %w", err)
	}
	raw, err = c.decrypt(e.ciphertext)
	if err != nil {
		return nil, true, fmt.Errorf("vault: failed to open entry: %w", err)
	}
	return raw, true, nil
}

// Remove destroys the entry under handle. Unknown handles are ignored.
func (v *Vault) Remove(handle string) {
	v.mu.Lock()
	e, found := v.entries[handle]
	delete(v.entries, handle)
	v.mu.Unlock()

	if found {
		e.destroy()
	}
}

// Size returns the number of live entries.
func (v *Vault) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}
