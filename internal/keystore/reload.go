package keystore

import "github.com/sirupsen/logrus"

// ReloadEvent describes one attempt to refresh a store from its source.
type ReloadEvent struct {
	Store string // "file" or "s3"
	Err   error

	PreviousEncryptionKey string
	EncryptionKey         string
}

// Rotated reports whether the reload moved the current encryption key.
func (e ReloadEvent) Rotated() bool {
	return e.Err == nil && e.PreviousEncryptionKey != e.EncryptionKey
}

// ReloadFunc observes reloads, for metrics and audit.
type ReloadFunc func(ReloadEvent)

// Option configures the file and S3 stores.
type Option func(*options)

type options struct {
	logger   *logrus.Logger
	onReload ReloadFunc
}

func defaultOptions() options {
	return options{logger: logrus.StandardLogger()}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReloadHook registers fn to be called after every reload attempt.
func WithReloadHook(fn ReloadFunc) Option {
	return func(o *options) {
		o.onReload = fn
	}
}

// swap loads next into mem and reports the outcome.
func (o *options) swap(store string, mem *Memory, next *Catalog, loadErr error) error {
	ev := ReloadEvent{Store: store, Err: loadErr}
	ev.PreviousEncryptionKey = mem.Snapshot().CurrentEncryptionKey
	if ev.Err == nil {
		ev.Err = mem.Load(next)
	}
	ev.EncryptionKey = mem.Snapshot().CurrentEncryptionKey

	entry := o.logger.WithField("store", store)
	switch {
	case ev.Err != nil:
		entry.WithError(ev.Err).Error("Key store reload failed, keeping previous keys")
	case ev.Rotated():
		entry.WithFields(logrus.Fields{
			"previous_key_id": ev.PreviousEncryptionKey,
			"key_id":          ev.EncryptionKey,
		}).Info("Current encryption key rotated")
	default:
		entry.Debug("Key store reloaded")
	}
	if o.onReload != nil {
		o.onReload(ev)
	}
	return ev.Err
}
