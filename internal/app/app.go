// Package app assembles the encryption service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/fieldcrypt/internal/api"
	"github.com/kenneth/fieldcrypt/internal/audit"
	"github.com/kenneth/fieldcrypt/internal/config"
	"github.com/kenneth/fieldcrypt/internal/crypto"
	"github.com/kenneth/fieldcrypt/internal/keycache"
	"github.com/kenneth/fieldcrypt/internal/keystore"
	"github.com/kenneth/fieldcrypt/internal/metrics"
	"github.com/kenneth/fieldcrypt/internal/middleware"
)

// App holds the wired components. Close releases them.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Keys    crypto.KeyProvider
	Vault   *crypto.Vault
	Service *crypto.Service

	limiter *middleware.RateLimiter
	cancel  context.CancelFunc
	closers []io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	registry    prometheus.Registerer
	secrets     crypto.SecretSource
	s3Client    keystore.ObjectGetter
	auditOutput io.Writer
	keys        crypto.KeyProvider
	kmip        crypto.KMIPClient
}

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithSecretSource replaces the configured secret source.
func WithSecretSource(s crypto.SecretSource) Option {
	return func(o *options) { o.secrets = s }
}

// WithS3Client replaces the client built from the s3 key store config.
func WithS3Client(c keystore.ObjectGetter) Option {
	return func(o *options) { o.s3Client = c }
}

// WithAuditOutput sets where the stdout audit writer writes.
func WithAuditOutput(w io.Writer) Option {
	return func(o *options) { o.auditOutput = w }
}

// WithKeyProvider replaces the configured key store.
func WithKeyProvider(k crypto.KeyProvider) Option {
	return func(o *options) { o.keys = k }
}

// WithKMIPClient replaces the client dialed from the kmip config section.
func WithKMIPClient(c crypto.KMIPClient) Option {
	return func(o *options) { o.kmip = c }
}

// New builds every component from cfg. Background work (catalog watching,
// S3 refresh, system metrics) runs until Close.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*App, error) {
	o := options{registry: prometheus.DefaultRegisterer, auditOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewMetricsWithRegistry(o.registry),
		cancel:  cancel,
	}

	if cfg.Audit.Enabled {
		a.Audit = audit.NewLogger(cfg.Audit.MaxEvents, newAuditWriter(cfg.Audit.Writer, logger, o.auditOutput))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	keys := o.keys
	if keys == nil {
		store, closer, err := a.openKeyStore(ctx, o.s3Client)
		if err != nil {
			a.Close()
			return nil, err
		}
		keys = store
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.Keys = keys

	secrets := o.secrets
	if secrets == nil {
		secrets = NewSecretSource(cfg.Secrets)
	}

	a.Vault = crypto.NewVault()
	serviceOpts := []crypto.Option{
		crypto.WithLogger(logger),
		crypto.WithRecorder(a.Metrics),
	}
	if a.Audit != nil {
		serviceOpts = append(serviceOpts, crypto.WithAuditLogger(a.Audit))
	}
	factories := []crypto.DelegateFactory{
		crypto.LocalKeyFactory(secrets),
		crypto.PBKDF2KeyFactory(secrets),
		crypto.WrappedKeyFactory,
		crypto.CachedWrappedKeyFactory(
			crypto.WithVault(a.Vault),
			crypto.WithCacheOptions(CacheOptions(cfg.DEKCache)),
			crypto.WithRetryPolicy(crypto.RetryPolicy{
				MaxRetries:      cfg.Retry.MaxRetries,
				InitialInterval: cfg.Retry.InitialInterval,
			}),
		),
	}
	kmipClient := o.kmip
	if kmipClient == nil && cfg.KMIP.Endpoint != "" {
		client, err := dialKMIP(cfg.KMIP)
		if err != nil {
			a.Close()
			return nil, err
		}
		kmipClient = client
		logger.WithField("endpoint", cfg.KMIP.Endpoint).Info("Connected to KMIP server")
	}
	if kmipClient != nil {
		factories = append(factories, crypto.KMIPKeyFactory(kmipClient))
	}

	svc, err := crypto.NewService(keys, factories, serviceOpts...)
	if err != nil {
		if kmipClient != nil {
			closeLogged(logger, "kmip client", kmipClient)
		}
		a.Close()
		return nil, fmt.Errorf("failed to create crypto service: %w", err)
	}
	a.Service = svc
	a.closers = append(a.closers, svc)

	if cfg.Metrics.Enabled {
		a.Metrics.StartSystemMetricsCollector(ctx, 0)
	}

	logger.WithFields(logrus.Fields{
		"key_store": cfg.KeyStore.Type,
		"key_types": svc.KeyTypes(),
	}).Info("Crypto service initialized")
	return a, nil
}

// closeLogged closes c and logs a failure instead of returning it, for
// cleanup on paths that already report another error.
func closeLogged(logger *logrus.Logger, component string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.WithError(err).WithField("component", component).Warn("Failed to close during cleanup")
	}
}

// NewSecretSource reads secrets from the environment, then from the secrets
// directory when one is configured.
func NewSecretSource(cfg config.SecretsConfig) crypto.SecretSource {
	chain := crypto.ChainSecrets{crypto.EnvSecrets{Prefix: cfg.EnvPrefix}}
	if cfg.Dir != "" {
		chain = append(chain, crypto.DirSecrets{Dir: cfg.Dir})
	}
	return chain
}

// CacheOptions converts the DEK cache section to cache options.
func CacheOptions(cfg config.DEKCacheConfig) keycache.Options {
	return keycache.Options{
		EntryTTL:        cfg.EntryTTL,
		CurrentTTL:      cfg.CurrentTTL,
		SupersededGrace: cfg.SupersededGrace,
		SweepInterval:   cfg.SweepInterval,
	}
}

func newAuditWriter(kind string, logger *logrus.Logger, out io.Writer) audit.EventWriter {
	if kind == "log" {
		return audit.NewLogrusWriter(logger)
	}
	return audit.NewJSONWriter(out)
}

// onReload feeds catalog reloads into metrics and the audit log.
func (a *App) onReload(ev keystore.ReloadEvent) {
	a.Metrics.RecordKeystoreReload(ev.Store, ev.Err)
	if a.Audit == nil {
		return
	}
	if ev.Err != nil {
		a.Audit.LogKeyRotation(string(crypto.UsageEncryption), ev.PreviousEncryptionKey, ev.PreviousEncryptionKey, ev.Err)
		return
	}
	if ev.Rotated() {
		a.Audit.LogKeyRotation(string(crypto.UsageEncryption), ev.PreviousEncryptionKey, ev.EncryptionKey, nil)
	}
}

func (a *App) openKeyStore(ctx context.Context, s3Client keystore.ObjectGetter) (crypto.KeyProvider, io.Closer, error) {
	cfg := a.Config.KeyStore
	storeOpts := []keystore.Option{
		keystore.WithLogger(a.Logger),
		keystore.WithReloadHook(a.onReload),
	}
	entry := a.Logger.WithField("key_store", cfg.Type)

	switch cfg.Type {
	case config.KeyStoreMemory:
		mem, err := keystore.NewMemory(nil)
		if err != nil {
			return nil, nil, err
		}
		entry.Warn("Using an empty in-memory key store")
		return mem, nil, nil

	case config.KeyStoreFile:
		store, err := keystore.NewFileStore(cfg.File.Path, storeOpts...)
		if err != nil {
			return nil, nil, err
		}
		if cfg.File.Watch {
			if err := store.Watch(); err != nil {
				store.Close()
				return nil, nil, err
			}
		}
		entry.WithFields(logrus.Fields{
			"path":  cfg.File.Path,
			"watch": cfg.File.Watch,
		}).Info("Key catalog loaded")
		return store, store, nil

	case config.KeyStoreSQL:
		db, err := keystore.OpenDB(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := keystore.NewSQLStore(db, cfg.SQL.AutoMigrate)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				sqlDB.Close()
			}
			return nil, nil, err
		}
		entry.WithField("driver", cfg.SQL.Driver).Info("SQL key store opened")
		return store, store, nil

	case config.KeyStoreS3:
		if s3Client == nil {
			client, err := keystore.NewS3Client(ctx, cfg.S3)
			if err != nil {
				return nil, nil, err
			}
			s3Client = client
		}
		store, err := keystore.NewS3Store(ctx, s3Client, cfg.S3.Bucket, cfg.S3.Key, storeOpts...)
		if err != nil {
			return nil, nil, err
		}
		go store.Run(ctx, cfg.S3.RefreshInterval)
		entry.WithFields(logrus.Fields{
			"bucket":           cfg.S3.Bucket,
			"key":              cfg.S3.Key,
			"refresh_interval": cfg.S3.RefreshInterval,
		}).Info("Key catalog loaded from S3")
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported key store type %q", cfg.Type)
	}
}

// Router returns the HTTP handler with the API, metrics endpoint and
// middleware chain.
func (a *App) Router() http.Handler {
	router := mux.NewRouter()
	if a.Config.Metrics.Enabled {
		router.Handle(a.Config.Metrics.Path, a.Metrics.Handler()).Methods("GET")
	}

	api.NewHandler(a.Service, a.Logger, a.Audit, a.Config.Server.MaxBodyBytes).RegisterRoutes(router)

	// Route-aware middleware runs inside the router so mux templates are set.
	router.Use(
		middleware.TracingMiddleware(true),
		middleware.MetricsMiddleware(a.Metrics),
		middleware.LoggingMiddleware(a.Logger, &a.Config.Logging),
	)

	var h http.Handler = router
	h = middleware.SecurityHeadersMiddleware()(h)
	if a.Config.RateLimit.Enabled && a.limiter == nil {
		a.limiter = middleware.NewRateLimiter(a.Config.RateLimit.Limit, a.Config.RateLimit.Window, a.Logger)
		a.Logger.WithFields(logrus.Fields{
			"limit":  a.Config.RateLimit.Limit,
			"window": a.Config.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	if a.limiter != nil {
		h = middleware.RateLimitMiddleware(a.limiter)(h)
	}
	h = middleware.RequestIDMiddleware()(h)
	return middleware.RecoveryMiddleware(a.Logger)(h)
}

// Close stops background work and releases the service and key store.
func (a *App) Close() error {
	a.cancel()
	if a.limiter != nil {
		a.limiter.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
