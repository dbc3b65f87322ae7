// Package config loads orchestrator configuration.
//
// Sources, lowest precedence first:
//  1. defaults (setDefaults)
//  2. config.yaml in ., ./config or /etc/reelbatch (optional)
//  3. environment variables without prefix, dots replaced by underscores
//     (DATABASE_URL, BATCH_CONCURRENCY, EXECUTOR_UNIT_TIMEOUT, ...)
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	River    RiverConfig    `mapstructure:"river"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Provider ProviderConfig `mapstructure:"provider"`
	Stitch   StitchConfig   `mapstructure:"stitch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Security SecurityConfig `mapstructure:"security"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// AllowCredentials is ignored when UnsafeAllowAllOrigins is set.
	AllowCredentials      bool `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool `mapstructure:"unsafe_allow_all_origins"`
}

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig contains PostgreSQL connection settings.
// One pgxpool is shared by the repository, the ledger and River.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps all state in
	// process and disables River.
	Driver string `mapstructure:"driver"`

	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	ReconcileInterval           time.Duration `mapstructure:"reconcile_interval"`
	// StitchWorkers bounds concurrent stitch jobs on the stitch queue.
	StitchWorkers               int           `mapstructure:"stitch_workers"`
}

// WorkerConfig contains worker pool sizes.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	RowsPoolSize    int `mapstructure:"rows_pool_size"`
}

// BatchConfig contains state machine policy.
type BatchConfig struct {
	// TestRunSize is how many rows (by ordinal) a staged launch admits first.
	TestRunSize int `mapstructure:"test_run_size"`
	// Concurrency caps rows in_progress per batch.
	Concurrency int `mapstructure:"concurrency"`
	// MaxRows caps rows per launch request.
	MaxRows int `mapstructure:"max_rows"`
	// MaxUnitSeconds caps the requested duration of one unit.
	MaxUnitSeconds float64 `mapstructure:"max_unit_seconds"`
	// OrphanAfter is how long an in_progress row without a local lane must
	// go unchanged before recovery resets it.
	OrphanAfter time.Duration `mapstructure:"orphan_after"`
}

// ExecutorConfig contains row executor timing and retry policy.
type ExecutorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	UnitTimeout  time.Duration `mapstructure:"unit_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

// PricingConfig converts rendered seconds into credits.
type PricingConfig struct {
	CreditsPerSecond int64 `mapstructure:"credits_per_second"`
	// DefaultUnitSeconds applies when neither the unit nor the base config sets a duration.
	DefaultUnitSeconds float64 `mapstructure:"default_unit_seconds"`
}

// ProviderConfig selects and configures rendering providers.
type ProviderConfig struct {
	Default string             `mapstructure:"default"`
	HTTP    HTTPProviderConfig `mapstructure:"http"`
	// CallbackSecret verifies provider webhooks (HMAC-SHA256).
	CallbackSecret string `mapstructure:"callback_secret"`
}

// HTTPProviderConfig configures the REST rendering provider adapter.
type HTTPProviderConfig struct {
	Name        string        `mapstructure:"name"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CallbackURL string        `mapstructure:"callback_url"`
}

// StitchConfig selects the composition backend.
type StitchConfig struct {
	Composer   string `mapstructure:"composer"` // manifest or ffmpeg
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	WorkDir    string `mapstructure:"work_dir"`
	// Dispatcher is "river" or "pool". Empty picks river when PostgreSQL is used.
	Dispatcher string `mapstructure:"dispatcher"`
	// Timeout bounds one composition.
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects where stitched artifacts are written.
type StorageConfig struct {
	Driver  string        `mapstructure:"driver"` // local or s3
	Local   LocalStorage  `mapstructure:"local"`
	S3      S3Storage     `mapstructure:"s3"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LocalStorage configures the filesystem artifact store.
type LocalStorage struct {
	Root    string `mapstructure:"root"`
	BaseURL string `mapstructure:"base_url"`
}

// S3Storage configures the S3 artifact store.
type S3Storage struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// RedisConfig configures the cross-instance event bus. Empty Addr keeps the
// bus in process.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // empty: stdout exporter
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

// SecurityConfig contains token verification settings.
type SecurityConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	// JWTVerificationKeys are previous signing keys still accepted.
	JWTVerificationKeys []string `mapstructure:"jwt_verification_keys"`
	JWTIssuer           string   `mapstructure:"jwt_issuer"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from defaults, file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/reelbatch")

	// database.max_conns -> DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for configuration errors that would break the orchestrator at runtime.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}
	if c.Batch.TestRunSize < 1 {
		return fmt.Errorf("batch.test_run_size must be at least 1")
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1")
	}
	if c.Worker.RowsPoolSize < c.Batch.Concurrency {
		return fmt.Errorf("worker.rows_pool_size (%d) must be >= batch.concurrency (%d)",
			c.Worker.RowsPoolSize, c.Batch.Concurrency)
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("executor.max_attempts must be at least 1")
	}
	if c.Executor.UnitTimeout <= 0 || c.Executor.PollInterval <= 0 {
		return fmt.Errorf("executor.unit_timeout and executor.poll_interval must be positive")
	}
	if c.Pricing.CreditsPerSecond < 1 {
		return fmt.Errorf("pricing.credits_per_second must be at least 1")
	}
	if !(c.Pricing.DefaultUnitSeconds > 0) {
		return fmt.Errorf("pricing.default_unit_seconds must be positive")
	}
	if !(c.Batch.MaxUnitSeconds > 0) {
		return fmt.Errorf("batch.max_unit_seconds must be positive")
	}
	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage.driver is s3")
		}
	default:
		return fmt.Errorf("storage.driver must be local or s3, got %q", c.Storage.Driver)
	}
	switch c.Stitch.Composer {
	case "manifest", "ffmpeg":
	default:
		return fmt.Errorf("stitch.composer must be manifest or ffmpeg, got %q", c.Stitch.Composer)
	}
	if c.Database.Driver == DriverPostgres && (c.River.MaxWorkers < 1 || c.River.StitchWorkers < 1) {
		return fmt.Errorf("river.max_workers and river.stitch_workers must be at least 1")
	}
	if c.Stitch.Dispatcher == "river" && c.Database.Driver == DriverMemory {
		return fmt.Errorf("stitch.dispatcher river requires database.driver postgres")
	}
	if len(c.Security.JWTSigningKey) < 32 {
		return fmt.Errorf("security.jwt_signing_key must be at least 32 characters")
	}
	return nil
}

// ensureSecrets generates secrets that were not configured. Generated values
// do not survive a restart, which is acceptable only for local runs.
func (c *Config) ensureSecrets() error {
	if c.Security.JWTSigningKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("generate jwt signing key: %w", err)
		}
		c.Security.JWTSigningKey = key
		logBootstrapWarn("generated security.jwt_signing_key; set SECURITY_JWT_SIGNING_KEY to keep tokens valid across restarts")
	}
	if c.Provider.CallbackSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("generate provider callback secret: %w", err)
		}
		c.Provider.CallbackSecret = secret
		logBootstrapWarn("generated provider.callback_secret; provider webhooks will fail verification until PROVIDER_CALLBACK_SECRET is shared")
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "reelbatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "reelbatch")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.reconcile_interval", "5m")
	v.SetDefault("river.stitch_workers", 4)

	// Worker pools
	v.SetDefault("worker.general_pool_size", 32)
	v.SetDefault("worker.rows_pool_size", 64)

	// Batch state machine
	v.SetDefault("batch.test_run_size", 3)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.max_rows", 500)
	v.SetDefault("batch.max_unit_seconds", 600)
	v.SetDefault("batch.orphan_after", "30m")

	// Row executor
	v.SetDefault("executor.poll_interval", "5s")
	v.SetDefault("executor.unit_timeout", "15m")
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.backoff_base", "2s")
	v.SetDefault("executor.backoff_max", "1m")

	// Pricing
	v.SetDefault("pricing.credits_per_second", 1)
	v.SetDefault("pricing.default_unit_seconds", 8)

	// Provider
	v.SetDefault("provider.default", "mock")
	v.SetDefault("provider.http.name", "http")
	v.SetDefault("provider.http.base_url", "")
	v.SetDefault("provider.http.api_key", "")
	v.SetDefault("provider.http.callback_url", "")
	v.SetDefault("provider.http.timeout", "30s")
	v.SetDefault("provider.callback_secret", "")

	// Stitch
	v.SetDefault("stitch.composer", "manifest")
	v.SetDefault("stitch.ffmpeg_path", "ffmpeg")
	v.SetDefault("stitch.work_dir", "")
	v.SetDefault("stitch.dispatcher", "")
	v.SetDefault("stitch.timeout", "15m")

	// Storage
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local.root", "./data/artifacts")
	v.SetDefault("storage.local.base_url", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.prefix", "stitched")
	v.SetDefault("storage.s3.max_retries", 3)
	v.SetDefault("storage.timeout", "5m")

	// Redis
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "reelbatch")

	// Tracing
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("tracing.service_name", "reelbatch-orchestrator")

	// Security
	v.SetDefault("security.jwt_signing_key", "")
	v.SetDefault("security.jwt_verification_keys", []string{})
	v.SetDefault("security.jwt_issuer", "")
}
