package crypto

import (
	"bytes"
	"sync"
	"testing"
)

func TestVault_PutGetRemove(t *testing.T) {
	v := NewVault()
	raw := []byte("0123456789abcdef0123456789abcdef")

	handle, err := v.Put(raw)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if v.Size() != 1 {
		t.Fatalf("expected size 1, got %d", v.Size())
	}

	got, ok, err := v.Get(handle)
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("vault returned different bytes")
	}

	// Each Get returns an independent copy.
	got[0] ^= 0xff
	again, _, _ := v.Get(handle)
	if !bytes.Equal(again, raw) {
		t.Fatal("mutating a returned copy changed the stored key")
	}

	v.Remove(handle)
	if v.Size() != 0 {
		t.Fatalf("expected size 0, got %d", v.Size())
	}
	if _, ok, err := v.Get(handle); ok || err != nil {
		t.Fatalf("expected absent after remove, got ok=%v err=%v", ok, err)
	}
	// Removing twice is a no-op.
	v.Remove(handle)
}

func TestVault_DoesNotRetainInput(t *testing.T) {
	v := NewVault()
	raw := []byte("0123456789abcdef")
	handle, err := v.Put(raw)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	raw[0] = 'X'

	got, _, _ := v.Get(handle)
	if got[0] != '0' {
		t.Fatal("vault aliased the caller's slice")
	}
}

func TestVault_RejectsEmpty(t *testing.T) {
	v := NewVault()
	if _, err := v.Put(nil); err == nil {
		t.Fatal("expected nil key to be rejected")
	}
	if _, err := v.Put([]byte{}); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
}

func TestVault_UnknownHandle(t *testing.T) {
	v := NewVault()
	got, ok, err := v.Get("does-not-exist")
	if got != nil || ok || err != nil {
		t.Fatalf("expected explicit absence, got %v %v %v", got, ok, err)
	}
}

func TestVault_RemoveZeroesEntry(t *testing.T) {
	v := NewVault()
	handle, err := v.Put([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	v.mu.RLock()
	entry := v.entries[handle]
	v.mu.RUnlock()

	v.Remove(handle)
	for name, b := range map[string][]byte{"key": entry.key, "iv": entry.iv, "ciphertext": entry.ciphertext} {
		for _, c := range b {
			if c != 0 {
				t.Fatalf("%s was not zeroed", name)
			}
		}
	}
}

func TestVault_EntriesUseDistinctKeys(t *testing.T) {
	v := NewVault()
	h1, _ := v.Put([]byte("same key bytes!!"))
	h2, _ := v.Put([]byte("same key bytes!!"))
	if h1 == h2 {
		t.Fatal("handles must be unique")
	}
	v.mu.RLock()
	e1, e2 := v.entries[h1], v.entries[h2]
	v.mu.RUnlock()
	if bytes.Equal(e1.key, e2.key) || bytes.Equal(e1.ciphertext, e2.ciphertext) {
		t.Fatal("entries must not share vault keys or ciphertext")
	}
}

func TestVault_Concurrent(t *testing.T) {
	v := NewVault()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := bytes.Repeat([]byte{byte(i + 1)}, 32)
			h, err := v.Put(raw)
			if err != nil {
				t.Errorf("put failed: %v", err)
				return
			}
			got, ok, err := v.Get(h)
			if err != nil || !ok || !bytes.Equal(got, raw) {
				t.Errorf("get mismatch for entry %d", i)
			}
			v.Remove(h)
		}(i)
	}
	wg.Wait()
	if v.Size() != 0 {
		t.Fatalf("expected empty vault, got %d", v.Size())
	}
}

func TestDefaultVault_IsShared(t *testing.T) {
	if DefaultVault() != DefaultVault() {
		t.Fatal("DefaultVault must return the process-wide instance")
	}
}
