package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Key store types.
const (
	KeyStoreMemory = "memory"
	KeyStoreFile   = "file"
	KeyStoreSQL    = "sql"
	KeyStoreS3     = "s3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	KeyStore   KeyStoreConfig  `yaml:"key_store"`
	Secrets    SecretsConfig   `yaml:"secrets"`
	KMIP       KMIPConfig      `yaml:"kmip"`
	DEKCache   DEKCacheConfig  `yaml:"dek_cache"`
	Retry      RetryConfig     `yaml:"retry"`
	Audit      AuditConfig     `yaml:"audit"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Server     ServerConfig    `yaml:"server"`
	TLS        TLSConfig       `yaml:"tls"`
	Logging    LoggingConfig   `yaml:"logging"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// KeyStoreConfig selects and configures where key descriptors come from.
type KeyStoreConfig struct {
	Type string          `yaml:"type" env:"KEYSTORE_TYPE"` // memory, file, sql, s3
	File FileStoreConfig `yaml:"file"`
	SQL  SQLStoreConfig  `yaml:"sql"`
	S3   S3StoreConfig   `yaml:"s3"`
}

// FileStoreConfig configures the YAML catalog key store.
type FileStoreConfig struct {
	Path  string `yaml:"path" env:"KEYSTORE_FILE_PATH"`
	Watch bool   `yaml:"watch" env:"KEYSTORE_FILE_WATCH"`
}

// SQLStoreConfig configures the SQL key store.
type SQLStoreConfig struct {
	Driver      string `yaml:"driver" env:"KEYSTORE_SQL_DRIVER"` // sqlite, mysql
	DSN         string `yaml:"dsn" env:"KEYSTORE_SQL_DSN"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"KEYSTORE_SQL_AUTO_MIGRATE"`
}

// S3StoreConfig configures the key store that reads a YAML catalog object.
type S3StoreConfig struct {
	Bucket          string        `yaml:"bucket" env:"KEYSTORE_S3_BUCKET"`
	Key             string        `yaml:"key" env:"KEYSTORE_S3_KEY"`
	Region          string        `yaml:"region" env:"KEYSTORE_S3_REGION"`
	Endpoint        string        `yaml:"endpoint" env:"KEYSTORE_S3_ENDPOINT"`
	AccessKey       string        `yaml:"access_key" env:"KEYSTORE_S3_ACCESS_KEY"`
	SecretKey       string        `yaml:"secret_key" env:"KEYSTORE_S3_SECRET_KEY"`
	UsePathStyle    bool          `yaml:"use_path_style" env:"KEYSTORE_S3_USE_PATH_STYLE"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"KEYSTORE_S3_REFRESH_INTERVAL"`
}

// SecretsConfig configures where key material referenced by keys is read from.
type SecretsConfig struct {
	EnvPrefix string `yaml:"env_prefix" env:"SECRETS_ENV_PREFIX"`
	Dir       string `yaml:"dir" env:"SECRETS_DIR"`
}

// KMIPConfig configures the connection used by kmip keys. Leaving Endpoint
// empty disables the kmip key type.
type KMIPConfig struct {
	Endpoint   string        `yaml:"endpoint" env:"KMIP_ENDPOINT"` // host:port
	CAFile     string        `yaml:"ca_file" env:"KMIP_CA_FILE"`
	CertFile   string        `yaml:"cert_file" env:"KMIP_CERT_FILE"`
	KeyFile    string        `yaml:"key_file" env:"KMIP_KEY_FILE"`
	ServerName string        `yaml:"server_name" env:"KMIP_SERVER_NAME"`
	Timeout    time.Duration `yaml:"timeout" env:"KMIP_TIMEOUT"`
}

// DEKCacheConfig holds the lifetimes of cached data encryption keys.
type DEKCacheConfig struct {
	EntryTTL        time.Duration `yaml:"entry_ttl" env:"DEK_CACHE_ENTRY_TTL"`
	CurrentTTL      time.Duration `yaml:"current_ttl" env:"DEK_CACHE_CURRENT_TTL"`
	SupersededGrace time.Duration `yaml:"superseded_grace" env:"DEK_CACHE_SUPERSEDED_GRACE"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"DEK_CACHE_SWEEP_INTERVAL"`
}

// RetryConfig bounds retries of reads that raced a cached key's destruction.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" env:"RETRY_MAX_RETRIES"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"RETRY_INITIAL_INTERVAL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int    `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
	Writer    string `yaml:"writer" env:"AUDIT_WRITER"`         // stdout, log
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers"`
}

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		KeyStore: KeyStoreConfig{
			Type: KeyStoreFile,
			File: FileStoreConfig{Path: "keys.yaml", Watch: true},
			SQL:  SQLStoreConfig{Driver: "sqlite", AutoMigrate: true},
			S3:   S3StoreConfig{Region: "us-east-1", RefreshInterval: 5 * time.Minute},
		},
		Secrets: SecretsConfig{
			EnvPrefix: "FIELDCRYPT_SECRET_",
		},
		KMIP: KMIPConfig{
			Timeout: 5 * time.Second,
		},
		DEKCache: DEKCacheConfig{
			EntryTTL:        10 * time.Minute,
			CurrentTTL:      5 * time.Minute,
			SupersededGrace: time.Minute,
			SweepInterval:   30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
			Writer:    "log",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "fieldcrypt",
			ServiceVersion: "dev",
			Exporter:       "stdout",
			SamplingRatio:  1.0,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			MaxBodyBytes:      64 << 20,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-api-key", "cookie"},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  time.Minute,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)

	// Key store
	envString("KEYSTORE_TYPE", &config.KeyStore.Type)
	envString("KEYSTORE_FILE_PATH", &config.KeyStore.File.Path)
	envBool("KEYSTORE_FILE_WATCH", &config.KeyStore.File.Watch)
	envString("KEYSTORE_SQL_DRIVER", &config.KeyStore.SQL.Driver)
	envString("KEYSTORE_SQL_DSN", &config.KeyStore.SQL.DSN)
	envBool("KEYSTORE_SQL_AUTO_MIGRATE", &config.KeyStore.SQL.AutoMigrate)
	envString("KEYSTORE_S3_BUCKET", &config.KeyStore.S3.Bucket)
	envString("KEYSTORE_S3_KEY", &config.KeyStore.S3.Key)
	envString("KEYSTORE_S3_REGION", &config.KeyStore.S3.Region)
	envString("KEYSTORE_S3_ENDPOINT", &config.KeyStore.S3.Endpoint)
	envString("KEYSTORE_S3_ACCESS_KEY", &config.KeyStore.S3.AccessKey)
	envString("KEYSTORE_S3_SECRET_KEY", &config.KeyStore.S3.SecretKey)
	envBool("KEYSTORE_S3_USE_PATH_STYLE", &config.KeyStore.S3.UsePathStyle)
	envDuration("KEYSTORE_S3_REFRESH_INTERVAL", &config.KeyStore.S3.RefreshInterval)

	// Secrets
	envString("SECRETS_ENV_PREFIX", &config.Secrets.EnvPrefix)
	envString("SECRETS_DIR", &config.Secrets.Dir)

	// KMIP
	envString("KMIP_ENDPOINT", &config.KMIP.Endpoint)
	envString("KMIP_CA_FILE", &config.KMIP.CAFile)
	envString("KMIP_CERT_FILE", &config.KMIP.CertFile)
	envString("KMIP_KEY_FILE", &config.KMIP.KeyFile)
	envString("KMIP_SERVER_NAME", &config.KMIP.ServerName)
	envDuration("KMIP_TIMEOUT", &config.KMIP.Timeout)

	// DEK cache and retry
	envDuration("DEK_CACHE_ENTRY_TTL", &config.DEKCache.EntryTTL)
	envDuration("DEK_CACHE_CURRENT_TTL", &config.DEKCache.CurrentTTL)
	envDuration("DEK_CACHE_SUPERSEDED_GRACE", &config.DEKCache.SupersededGrace)
	envDuration("DEK_CACHE_SWEEP_INTERVAL", &config.DEKCache.SweepInterval)
	envInt("RETRY_MAX_RETRIES", &config.Retry.MaxRetries)
	envDuration("RETRY_INITIAL_INTERVAL", &config.Retry.InitialInterval)

	// Audit and metrics
	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)
	envString("AUDIT_WRITER", &config.Audit.Writer)
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)

	// Tracing
	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}

	// Server and TLS
	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	if v := os.Getenv("SERVER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Server.MaxBodyBytes = n
		}
	}
	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	// Access log and rate limiting
	envString("ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	if v := os.Getenv("LOG_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = strings.Split(v, ",")
	}
	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch strings.ToLower(c.KeyStore.Type) {
	case KeyStoreMemory:
	case KeyStoreFile:
		if c.KeyStore.File.Path == "" {
			return fmt.Errorf("key_store.file.path is required for the file key store")
		}
	case KeyStoreSQL:
		if c.KeyStore.SQL.Driver != "sqlite" && c.KeyStore.SQL.Driver != "mysql" {
			return fmt.Errorf("invalid key_store.sql.driver: %s (must be sqlite or mysql)", c.KeyStore.SQL.Driver)
		}
		if c.KeyStore.SQL.DSN == "" {
			return fmt.Errorf("key_store.sql.dsn is required for the sql key store")
		}
	case KeyStoreS3:
		if c.KeyStore.S3.Bucket == "" || c.KeyStore.S3.Key == "" {
			return fmt.Errorf("key_store.s3.bucket and key_store.s3.key are required for the s3 key store")
		}
		if (c.KeyStore.S3.AccessKey == "") != (c.KeyStore.S3.SecretKey == "") {
			return fmt.Errorf("key_store.s3.access_key and key_store.s3.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid key_store.type: %s (must be memory, file, sql, or s3)", c.KeyStore.Type)
	}

	if c.KMIP.Endpoint != "" {
		if (c.KMIP.CertFile == "") != (c.KMIP.KeyFile == "") {
			return fmt.Errorf("kmip.cert_file and kmip.key_file must be set together")
		}
		if c.KMIP.Timeout < 0 {
			return fmt.Errorf("kmip.timeout must not be negative")
		}
	}

	if c.DEKCache.EntryTTL <= 0 || c.DEKCache.CurrentTTL <= 0 {
		return fmt.Errorf("dek_cache.entry_ttl and dek_cache.current_ttl must be positive")
	}
	if c.DEKCache.CurrentTTL > c.DEKCache.EntryTTL {
		return fmt.Errorf("dek_cache.current_ttl must not exceed dek_cache.entry_ttl")
	}
	if c.DEKCache.SupersededGrace < 0 || c.DEKCache.SweepInterval < 0 {
		return fmt.Errorf("dek_cache durations must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}

	if c.Audit.Enabled && c.Audit.Writer != "stdout" && c.Audit.Writer != "log" {
		return fmt.Errorf("invalid audit.writer: %s (must be stdout or log)", c.Audit.Writer)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
