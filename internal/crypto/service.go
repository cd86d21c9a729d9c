package crypto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/fieldcrypt/internal/audit"
)

// Delegate implements the cryptography for one key type.
type Delegate interface {
	// SupportedKeyType returns the CryptoKey.Type this delegate handles.
	SupportedKeyType() string

	// Encrypt encrypts plaintext under key.
	Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error)

	// Decrypt reverses Encrypt using only what the container carries.
	Decrypt(ctx context.Context, c *CiphertextContainer) ([]byte, error)

	// Hmac fills Hmac on every holder. Holders may carry different keys of
	// this delegate's type.
	Hmac(ctx context.Context, holders []*HmacHolder) error
}

// BatchEncrypter is implemented by delegates with a native batch path.
type BatchEncrypter interface {
	EncryptAll(ctx context.Context, key *CryptoKey, plaintexts [][]byte) ([]*CiphertextContainer, error)
}

// Cryptor encrypts and decrypts under arbitrary keys. Delegates that wrap
// keys under a KEK receive one at construction.
type Cryptor interface {
	Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error)
	Decrypt(ctx context.Context, envelope string) ([]byte, error)
}

// Recorder receives operational measurements. internal/metrics implements it.
type Recorder interface {
	RecordCryptoOperation(operation, keyType string, duration time.Duration, bytes int)
	RecordCryptoError(operation, keyType, kind string)
	RecordDEKCacheEvent(event string)
	SetVaultEntries(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCryptoOperation(string, string, time.Duration, int) {}
func (nopRecorder) RecordCryptoError(string, string, string)                 {}
func (nopRecorder) RecordDEKCacheEvent(string)                               {}
func (nopRecorder) SetVaultEntries(int)                                      {}

// Dependencies is handed to every DelegateFactory while the Service is built.
type Dependencies struct {
	Cryptor  Cryptor
	Keys     KeyProvider
	Logger   *logrus.Logger
	Recorder Recorder
}

// DelegateFactory builds a delegate bound to the Service being constructed.
type DelegateFactory func(deps Dependencies) (Delegate, error)

// Service is the single entry point applications use. It routes every
// operation to the delegate registered for the key's type.
type Service struct {
	keys      KeyProvider
	delegates map[string]Delegate
	logger    *logrus.Logger
	recorder  Recorder
	audit     audit.Logger
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithAuditLogger records every top-level operation in an audit log.
func WithAuditLogger(a audit.Logger) Option {
	return func(s *Service) {
		s.audit = a
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService builds the dispatch table once from factories. Two delegates
// declaring the same key type are rejected.
func NewService(keys KeyProvider, factories []DelegateFactory, opts ...Option) (*Service, error) {
	if keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	s := &Service{
		keys:      keys,
		delegates: make(map[string]Delegate, len(factories)),
		logger:    logrus.StandardLogger(),
		recorder:  nopRecorder{},
		tracer:    otel.Tracer("github.com/kenneth/fieldcrypt/internal/crypto"),
	}
	for _, opt := range opts {
		opt(s)
	}

	deps := Dependencies{
		Cryptor:  s,
		Keys:     keys,
		Logger:   s.logger,
		Recorder: s.recorder,
	}
	for _, factory := range factories {
		d, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build delegate: %w", err)
		}
		t := d.SupportedKeyType()
		if t == "" {
			return nil, fmt.Errorf("delegate %T declares no key type", d)
		}
		if _, exists := s.delegates[t]; exists {
			return nil, fmt.Errorf("duplicate delegate for key type %q", t)
		}
		s.delegates[t] = d
	}
	return s, nil
}

// KeyTypes lists the registered key types.
func (s *Service) KeyTypes() []string {
	types := make([]string, 0, len(s.delegates))
	for t := range s.delegates {
		types = append(types, t)
	}
	return types
}

// Keys returns the key provider the service resolves ids with.
func (s *Service) Keys() KeyProvider {
	return s.keys
}

func (s *Service) delegateFor(op string, key *CryptoKey) (Delegate, error) {
	if key == nil || key.Type == "" {
		return nil, unsupportedKeyType(op, key)
	}
	d, ok := s.delegates[key.Type]
	if !ok {
		return nil, unsupportedKeyType(op, key)
	}
	return d, nil
}

// Encrypt encrypts plaintext under key.
func (s *Service) Encrypt(ctx context.Context, key *CryptoKey, plaintext []byte) (*CiphertextContainer, error) {
	ctx, span := s.startSpan(ctx, "crypto.Encrypt", key)
	defer span.End()
	start := time.Now()

	d, err := s.delegateFor("encrypt", key)
	if err != nil {
		return nil, s.fail(span, "encrypt", key, err, start)
	}
	c, err := d.Encrypt(ctx, key, plaintext)
	if err != nil {
		return nil, s.fail(span, "encrypt", key, configError("encrypt", key.ID, err), start)
	}
	s.succeed(span, "encrypt", key, len(plaintext), start)
	return c, nil
}

// EncryptEnvelope encrypts plaintext and formats the result.
func (s *Service) EncryptEnvelope(ctx context.Context, key *CryptoKey, plaintext []byte) (string, error) {
	c, err := s.Encrypt(ctx, key, plaintext)
	if err != nil {
		return "", err
	}
	out, err := FormatEnvelope(c)
	if err != nil {
		return "", configError("encrypt", key.ID, err)
	}
	return out, nil
}

// EncryptAll encrypts every plaintext under key, using the delegate's batch
// path when it has one.
func (s *Service) EncryptAll(ctx context.Context, key *CryptoKey, plaintexts [][]byte) ([]*CiphertextContainer, error) {
	d, err := s.delegateFor("encrypt", key)
	if err != nil {
		return nil, s.fail(trace.SpanFromContext(ctx), "encrypt", key, err, time.Now())
	}
	if b, ok := d.(BatchEncrypter); ok {
		ctx, span := s.startSpan(ctx, "crypto.EncryptAll", key)
		defer span.End()
		start := time.Now()
		out, err := b.EncryptAll(ctx, key, plaintexts)
		if err != nil {
			return nil, s.fail(span, "encrypt", key, configError("encrypt", key.ID, err), start)
		}
		total := 0
		for _, p := range plaintexts {
			total += len(p)
		}
		s.succeed(span, "encrypt", key, total, start)
		return out, nil
	}

	out := make([]*CiphertextContainer, 0, len(plaintexts))
	for _, p := range plaintexts {
		c, err := s.Encrypt(ctx, key, p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Decrypt parses an envelope string, resolves its key and decrypts it.
func (s *Service) Decrypt(ctx context.Context, envelope string) ([]byte, error) {
	c, err := parseContainer(ctx, s.keys, envelope)
	if err != nil {
		s.recorder.RecordCryptoError("decrypt", "", string(ErrorKindOf(err)))
		return nil, err
	}
	return s.DecryptContainer(ctx, c)
}

// DecryptContainer decrypts an already parsed container.
func (s *Service) DecryptContainer(ctx context.Context, c *CiphertextContainer) ([]byte, error) {
	var key *CryptoKey
	if c != nil {
		key = c.Key
	}
	ctx, span := s.startSpan(ctx, "crypto.Decrypt", key)
	defer span.End()
	start := time.Now()

	d, err := s.delegateFor("decrypt", key)
	if err != nil {
		return nil, s.fail(span, "decrypt", key, err, start)
	}
	plaintext, err := d.Decrypt(ctx, c)
	if err != nil {
		return nil, s.fail(span, "decrypt", key, configError("decrypt", key.ID, err), start)
	}
	s.succeed(span, "decrypt", key, len(plaintext), start)
	return plaintext, nil
}

// Hmac computes keyed hashes for holders in place. Holders are grouped by
// delegate and each delegate is called once with its group, since a batch
// may mix keys (for example during rotation).
func (s *Service) Hmac(ctx context.Context, holders []*HmacHolder) error {
	ctx, span := s.startSpan(ctx, "crypto.Hmac", nil)
	defer span.End()
	start := time.Now()

	var order []string
	groups := make(map[string][]*HmacHolder)
	for _, h := range holders {
		if h == nil {
			continue
		}
		d, err := s.delegateFor("hmac", h.Key)
		if err != nil {
			return s.fail(span, "hmac", h.Key, err, start)
		}
		t := d.SupportedKeyType()
		if _, seen := groups[t]; !seen {
			order = append(order, t)
		}
		groups[t] = append(groups[t], h)
	}

	for _, t := range order {
		group := groups[t]
		if err := s.delegates[t].Hmac(ctx, group); err != nil {
			return s.fail(span, "hmac", group[0].Key, configError("hmac", group[0].Key.ID, err), start)
		}
		total := 0
		for _, h := range group {
			total += len(h.Value)
		}
		s.recorder.RecordCryptoOperation("hmac", t, time.Since(start), total)
	}
	if s.audit != nil {
		ids := make([]string, 0, len(holders))
		for _, h := range holders {
			if h != nil && h.Key != nil {
				ids = append(ids, h.Key.ID)
			}
		}
		s.audit.LogHmac(ids, true, nil, time.Since(start))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Close releases delegate resources such as cached key material.
func (s *Service) Close() error {
	var errs []error
	for _, d := range s.delegates {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) startSpan(ctx context.Context, name string, key *CryptoKey) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{}
	if key != nil {
		attrs = append(attrs,
			attribute.String("crypto.key_id", key.ID),
			attribute.String("crypto.key_type", key.Type),
		)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) succeed(span trace.Span, op string, key *CryptoKey, n int, start time.Time) {
	duration := time.Since(start)
	span.SetStatus(codes.Ok, "")
	s.recorder.RecordCryptoOperation(op, key.Type, duration, n)
	s.logger.WithFields(logrus.Fields{
		"operation": op,
		"key_id":    key.ID,
		"key_type":  key.Type,
		"bytes":     n,
	}).Debug("crypto operation completed")
	s.auditOp(op, key, nil, duration)
}

func (s *Service) fail(span trace.Span, op string, key *CryptoKey, err error, start time.Time) error {
	duration := time.Since(start)
	kind := ErrorKindOf(err)
	keyType, keyID, usage := "", "", KeyUsage("")
	if key != nil {
		keyType, keyID, usage = key.Type, key.ID, key.Usage
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	s.recorder.RecordCryptoError(op, keyType, string(kind))
	s.logger.WithFields(logrus.Fields{
		"operation": op,
		"key_id":    keyID,
		"key_type":  keyType,
		"usage":     usage,
		"kind":      kind,
	}).WithError(err).Error("crypto operation failed")
	s.auditOp(op, key, err, duration)
	return err
}

func (s *Service) auditOp(op string, key *CryptoKey, err error, duration time.Duration) {
	if s.audit == nil {
		return
	}
	keyID, keyType := "", ""
	if key != nil {
		keyID, keyType = key.ID, key.Type
	}
	switch op {
	case "encrypt":
		s.audit.LogEncrypt(keyID, keyType, err == nil, err, duration, nil)
	case "decrypt":
		s.audit.LogDecrypt(keyID, keyType, err == nil, err, duration, nil)
	case "hmac":
		s.audit.LogHmac([]string{keyID}, false, err, duration)
	}
}
