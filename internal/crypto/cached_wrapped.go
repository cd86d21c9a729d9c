package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/fieldcrypt/internal/keycache"
)

// KeyTypeCachedWrapped is the key type served by CachedWrappedKeyDelegate.
const KeyTypeCachedWrapped = "cached-wrapped"

// RetryPolicy bounds how often a read that raced a holder's destruction is
// retried with a freshly acquired holder.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	b.MaxInterval = 100 * b.InitialInterval
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// CachedWrappedOption configures a CachedWrappedKeyDelegate.
type CachedWrappedOption func(*CachedWrappedKeyDelegate)

// WithVault stores cached DEKs in v instead of DefaultVault.
func WithVault(v *Vault) CachedWrappedOption {
	return func(d *CachedWrappedKeyDelegate) {
		if v != nil {
			d.vault = v
		}
	}
}

// WithCacheOptions sets the DEK cache lifetimes.
func WithCacheOptions(opts keycache.Options) CachedWrappedOption {
	return func(d *CachedWrappedKeyDelegate) {
		d.cacheOpts = opts
	}
}

// WithRetryPolicy sets the destroyed-holder retry policy.
func WithRetryPolicy(p RetryPolicy) CachedWrappedOption {
	return func(d *CachedWrappedKeyDelegate) {
		d.retry = p
	}
}

// dekCache is the DEK cache of one logical key.
type dekCache struct {
	cache   *keycache.Cache[*CachedKeyHolder]
	kekID   string
	keySize int
}

// CachedWrappedKeyDelegate is envelope encryption that reuses one current
// DEK per logical key for a bounded time, and caches DEKs recovered on
// decrypt by the id embedded in each ciphertext.
type CachedWrappedKeyDelegate struct {
	kek       *kekWrapper
	vault     *Vault
	logger    *logrus.Logger
	recorder  Recorder
	retry     RetryPolicy
	cacheOpts keycache.Options

	mu     sync.Mutex
	caches map[string]*dekCache
}

// NewCachedWrappedKeyDelegate builds the delegate from facade dependencies.
func NewCachedWrappedKeyDelegate(deps Dependencies, opts ...CachedWrappedOption) (*CachedWrappedKeyDelegate, error) {
	kek, err := newKEKWrapper(deps)
	if err != nil {
		return nil, err
	}
	d := &CachedWrappedKeyDelegate{
		kek:      kek,
		vault:    DefaultVault(),
		logger:   deps.Logger,
		recorder: deps.Recorder,
		retry:    DefaultRetryPolicy,
		caches:   make(map[string]*dekCache),
	}
	if d.logger == nil {
		d.logger = logrus.StandardLogger()
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// CachedWrappedKeyFactory returns a DelegateFactory for KeyTypeCachedWrapped.
func CachedWrappedKeyFactory(opts ...CachedWrappedOption) DelegateFactory {
	return func(deps Dependencies) (Delegate, error) {
		return NewCachedWrappedKeyDelegate(deps, opts...)
	}
}

// SupportedKeyType implements Delegate.
func (d *CachedWrappedKeyDelegate) SupportedKeyType() string {
	return KeyTypeCachedWrapped
}

func (d *CachedWrappedKeyDelegate) cacheFor(keyID string) *dekCache {
	d.mu.Lock()
	defer d.mu.Unlock()

	dc, ok := d.caches[keyID]
	if !ok {
		opts := d.cacheOpts
		opts.OnEvent = func(event string) {
			d.recorder.RecordDEKCacheEvent(event)
			if event == keycache.EventCreate || event == keycache.EventEvict {
				d.recorder.SetVaultEntries(d.vault.Size())
			}
		}
		dc = &dekCache{cache: keycache.New[*CachedKeyHolder](opts)}
		d.caches[keyID] = dc
	}
	return dc
}

// encryptCache returns the cache for key, dropping the current DEK when the
// key's KEK or key size changed since it was created.
func (d *CachedWrappedKeyDelegate) encryptCache(key *CryptoKey, params *wrappedKeyParams) *dekCache {
	dc := d.cacheFor(key.ID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if dc.kekID != params.KekID || dc.keySize != params.KeySize {
		if dc.kekID != "" {
			d.logger.WithFields(logrus.Fields{
				"key_id":   key.ID,
				"kek_id":   params.KekID,
				"key_size": params.KeySize,
			}).Info("key configuration changed, rotating current DEK")
		}
		dc.cache.InvalidateCurrent()
		dc.kekID = params.KekID
		dc.keySize = params.KeySize
	}
	return dc
}

// newDEK generates, wraps and caches a DEK. The raw bytes only live in the
// vault once this returns.
func (d *CachedWrappedKeyDelegate) newDEK(ctx context.Context, keyID string, params *wrappedKeyParams) (string, *CachedKeyHolder, error) {
	raw, err := randomBytes(params.KeySize / 8)
	if err != nil {
		return "", nil, err
	}
	defer wipe(raw)

	wrapped, err := d.kek.wrap(ctx, keyID, params.KekID, raw)
	if err != nil {
		return "", nil, err
	}
	id := uuid.NewString()
	h, err := NewCachedKeyHolder(d.vault, id, raw, wrapped)
	if err != nil {
		return "", nil, err
	}
	return id, h, nil
}

// readKey acquires a holder with acquire and reads its key, retrying with a
// fresh holder when the one acquired was destroyed before the read.
func (d *CachedWrappedKeyDelegate) readKey(ctx context.Context, dc *dekCache, acquire func() (*CachedKeyHolder, error)) (*CachedKeyHolder, []byte, error) {
	var (
		holder *CachedKeyHolder
		raw    []byte
	)
	op := func() error {
		h, err := acquire()
		if err != nil {
			return backoff.Permanent(err)
		}
		k, err := h.Key()
		if errors.Is(err, ErrKeyAlreadyDestroyed) {
			dc.cache.Discard(h.ID(), h)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		holder, raw = h, k
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.recorder.RecordDEKCacheEvent("destroyed_retry")
		d.logger.WithFields(logrus.Fields{
			"wait": wait,
		}).WithError(err).Debug("cached DEK destroyed during read, retrying")
	}

	if err := backoff.RetryNotify(op, d.retry.backOff(ctx), notify); err != nil {
		if errors.Is(err, ErrKeyAlreadyDestroyed) {
			d.logger.WithField("max_retries", d.retry.MaxRetries).Warn("cached DEK retries exhausted")
			return nil, nil, fmt.Errorf("cached DEK kept being destroyed after %d retries: %v", d.retry.MaxRetries, err)
		}
		return nil, nil, err
	}
	return holder, raw, nil
}

// Encrypt implements Delegate.
func (d *CachedWrappedKeyDelegate) Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error) {
	var params wrappedKeyParams
	if err := decodeParams(key.Configuration, &params); err != nil {
		return nil, configError("encrypt", key.ID, fmt.Errorf("invalid key configuration: %w", err))
	}
	return d.encrypt(ctx, key, &params, plaintext)
}

// EncryptAll implements BatchEncrypter. The configuration is decoded once
// and every item shares the current DEK.
func (d *CachedWrappedKeyDelegate) EncryptAll(ctx context.Context, key *CryptoKey, plaintexts [][]byte) ([]*CiphertextContainer, error) {
	var params wrappedKeyParams
	if err := decodeParams(key.Configuration, &params); err != nil {
		return nil, configError("encrypt", key.ID, fmt.Errorf("invalid key configuration: %w", err))
	}
	out := make([]*CiphertextContainer, 0, len(plaintexts))
	for _, p := range plaintexts {
		c, err := d.encrypt(ctx, key, &params, p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *CachedWrappedKeyDelegate) encrypt(ctx context.Context, key *CryptoKey, params *wrappedKeyParams, plaintext []byte) (*CiphertextContainer, error) {
	spec := params.spec()
	iv, err := randomBytes(spec.IVSize)
	if err != nil {
		return nil, configError("encrypt", key.ID, err)
	}

	dc := d.encryptCache(key, params)
	holder, dek, err := d.readKey(ctx, dc, func() (*CachedKeyHolder, error) {
		return dc.cache.CurrentOrCreate(func() (string, *CachedKeyHolder, error) {
			return d.newDEK(ctx, key.ID, params)
		})
	})
	if err != nil {
		return nil, configError("encrypt", key.ID, err)
	}

	return withSecret(dek, func(dek []byte) (*CiphertextContainer, error) {
		ciphertext, err := sealWith(spec, dek, iv, plaintext)
		if err != nil {
			return nil, configError("encrypt", key.ID, fmt.Errorf("failed to encrypt payload: %w", err))
		}
		data := cipherPayload(spec, iv, ciphertext)
		data["dek"] = holder.Persisted()
		data["dekId"] = holder.ID()
		return &CiphertextContainer{Key: key, Data: data}, nil
	})
}

// Decrypt implements Delegate. The DEK is looked up by the embedded dekId
// and used only when the cached entry holds the same wrapped DEK as the
// payload. On a miss the embedded wrapped DEK is unwrapped, and cached under
// that id once the payload authenticates, without touching the current DEK.
func (d *CachedWrappedKeyDelegate) Decrypt(ctx context.Context, c *CiphertextContainer) ([]byte, error) {
	var params wrappedCiphertextParams
	if err := decodeParams(c.Data, &params); err != nil {
		return nil, configError("decrypt", c.Key.ID, fmt.Errorf("invalid ciphertext payload: %w", err))
	}
	if params.DekID == "" {
		return nil, configError("decrypt", c.Key.ID, fmt.Errorf("required field %q is missing", "dekId"))
	}

	dc := d.cacheFor(c.Key.ID)
	var (
		fresh    *CachedKeyHolder
		mismatch bool
	)
	_, dek, err := d.readKey(ctx, dc, func() (*CachedKeyHolder, error) {
		if h, ok := dc.cache.Get(params.DekID); ok {
			if h.Persisted() == params.Dek {
				return h, nil
			}
			mismatch = true
		}
		raw, err := d.kek.unwrap(ctx, c.Key.ID, params.Dek)
		if err != nil {
			return nil, err
		}
		defer wipe(raw)
		h, err := NewCachedKeyHolder(d.vault, params.DekID, raw, params.Dek)
		if err != nil {
			return nil, err
		}
		fresh = h
		return h, nil
	})
	if err != nil {
		return nil, configError("decrypt", c.Key.ID, err)
	}
	if mismatch {
		d.logger.WithFields(logrus.Fields{
			"key_id": c.Key.ID,
			"dek_id": params.DekID,
		}).Warn("payload wrapped DEK differs from the cached one, not using the cache")
	}

	plaintext, err := withSecret(dek, func(dek []byte) ([]byte, error) {
		return openWith(&params.ciphertextParams, dek)
	})
	if err != nil {
		if fresh != nil {
			_ = fresh.Close()
		}
		return nil, configError("decrypt", c.Key.ID, fmt.Errorf("failed to decrypt payload: %w", err))
	}
	if fresh != nil {
		if mismatch {
			_ = fresh.Close()
		} else if _, stored := dc.cache.Put(params.DekID, fresh); !stored {
			_ = fresh.Close()
		}
	}
	return plaintext, nil
}

// Hmac implements Delegate. Wrapped keys have no HMAC role.
func (d *CachedWrappedKeyDelegate) Hmac(_ context.Context, holders []*HmacHolder) error {
	var key *CryptoKey
	if len(holders) > 0 {
		key = holders[0].Key
	}
	return unsupportedOperation("hmac", key, "hmac")
}

// CacheStats returns the DEK cache statistics of one logical key.
func (d *CachedWrappedKeyDelegate) CacheStats(keyID string) keycache.Stats {
	d.mu.Lock()
	dc, ok := d.caches[keyID]
	d.mu.Unlock()
	if !ok {
		return keycache.Stats{}
	}
	return dc.cache.Stats()
}

// Close destroys every cached DEK.
func (d *CachedWrappedKeyDelegate) Close() error {
	d.mu.Lock()
	caches := d.caches
	d.caches = make(map[string]*dekCache)
	d.mu.Unlock()

	for _, dc := range caches {
		_ = dc.cache.Close()
	}
	d.recorder.SetVaultEntries(d.vault.Size())
	return nil
}
