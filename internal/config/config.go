package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "PAPERMERGE"
	defaultHTTPAddress       = "0.0.0.0:8000"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "papermerge.db"
	defaultMediaRoot         = "media"
	defaultLogLevel          = "info"
	defaultLockBackend       = "local"
	defaultLockTTL           = 2 * time.Minute
	defaultRedisAddress      = "127.0.0.1:6379"
	defaultTasksBackend      = "memory"
	defaultQueuePrefix       = "papermerge:tasks"
	defaultCookieName        = "access_token"
	defaultIssuer            = "papermerge"
	defaultReconcileInterval = 15 * time.Minute
	defaultPDFWorkers        = 4
	defaultWorkerConcurrency = 4
	defaultTokenTTL          = 12 * time.Hour
	defaultOIDCProvider      = "oidc"
)

const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// AppConfig captures runtime configuration for every papermerge command.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	MediaRoot         string
	LogLevel          string
	LockBackend       string
	LockTTL           time.Duration
	RedisAddress      string
	TasksBackend      string
	TasksQueuePrefix  string
	WorkerConcurrency int
	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration
	OIDCProvider      string
	OIDCAudience      string
	OIDCJWKSURL       string
	OIDCIssuers       []string
	MirrorEnabled     bool
	MirrorBucket      string
	MirrorEmulator    string
	MirrorCredentials string
	ReconcileInterval time.Duration
	PDFWorkers        int
	TracingEnabled    bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("media.root", defaultMediaRoot)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("lock.backend", defaultLockBackend)
	configViper.SetDefault("lock.ttl", defaultLockTTL)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("tasks.backend", defaultTasksBackend)
	configViper.SetDefault("tasks.queue_prefix", defaultQueuePrefix)
	configViper.SetDefault("tasks.concurrency", defaultWorkerConcurrency)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("oidc.provider", defaultOIDCProvider)
	configViper.SetDefault("mirror.enabled", false)
	configViper.SetDefault("reconcile.interval", defaultReconcileInterval)
	configViper.SetDefault("pdf.workers", defaultPDFWorkers)
	configViper.SetDefault("tracing.enabled", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(configViper.GetString("database.driver")),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		MediaRoot:         configViper.GetString("media.root"),
		LogLevel:          configViper.GetString("log.level"),
		LockBackend:       strings.ToLower(configViper.GetString("lock.backend")),
		LockTTL:           configViper.GetDuration("lock.ttl"),
		RedisAddress:      configViper.GetString("redis.address"),
		TasksBackend:      strings.ToLower(configViper.GetString("tasks.backend")),
		TasksQueuePrefix:  configViper.GetString("tasks.queue_prefix"),
		WorkerConcurrency: configViper.GetInt("tasks.concurrency"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),
		OIDCProvider:      configViper.GetString("oidc.provider"),
		OIDCAudience:      configViper.GetString("oidc.audience"),
		OIDCJWKSURL:       configViper.GetString("oidc.jwks_url"),
		OIDCIssuers:       configViper.GetStringSlice("oidc.issuers"),
		MirrorEnabled:     configViper.GetBool("mirror.enabled"),
		MirrorBucket:      configViper.GetString("mirror.bucket"),
		MirrorEmulator:    configViper.GetString("mirror.emulator_host"),
		MirrorCredentials: configViper.GetString("mirror.credentials_file"),
		ReconcileInterval: configViper.GetDuration("reconcile.interval"),
		PDFWorkers:        configViper.GetInt("pdf.workers"),
		TracingEnabled:    configViper.GetBool("tracing.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireAuth reports an error when the HTTP server cannot validate sessions.
func (c AppConfig) RequireAuth() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}

// OIDCEnabled reports whether ID tokens can be exchanged for sessions.
func (c AppConfig) OIDCEnabled() bool {
	return strings.TrimSpace(c.OIDCAudience) != ""
}

// UsesRedis reports whether any backend needs a redis connection.
func (c AppConfig) UsesRedis() bool {
	return c.LockBackend == BackendRedis || c.TasksBackend == BackendRedis
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return fmt.Errorf("media.root is required")
	}
	if c.LockBackend != BackendLocal && c.LockBackend != BackendRedis {
		return fmt.Errorf("lock.backend must be local or redis, got %q", c.LockBackend)
	}
	if c.TasksBackend != BackendMemory && c.TasksBackend != BackendRedis {
		return fmt.Errorf("tasks.backend must be memory or redis, got %q", c.TasksBackend)
	}
	if c.UsesRedis() && strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required for redis backends")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if c.OIDCEnabled() && (strings.TrimSpace(c.OIDCJWKSURL) == "" || len(c.OIDCIssuers) == 0) {
		return fmt.Errorf("oidc.jwks_url and oidc.issuers are required when oidc.audience is set")
	}
	if c.PDFWorkers <= 0 {
		return fmt.Errorf("pdf.workers must be positive")
	}
	return nil
}
