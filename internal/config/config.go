package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Sync       SyncConfig
	Gemini     GeminiConfig
	Extraction ExtractionConfig
	Google     OAuthConfig
	Microsoft  MicrosoftConfig
	NATS       NATSConfig
	Auth       AuthConfig
	Archive    ArchiveConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver string // postgres, sqlite or sqlite3
	DSN    string
}

type SyncConfig struct {
	PageSize        int64
	BootstrapWindow time.Duration
	Overlap         time.Duration
	LockLease       time.Duration
	MaxConcurrent   int
}

type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

type ExtractionConfig struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxBodyChars int
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
}

type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

type NATSConfig struct {
	URL        string
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
	// OutboxInterval is how often stored run outcomes are relayed
	OutboxInterval time.Duration
}

// AuthConfig enables bearer verification on the task endpoint when JWKSURL is set
type AuthConfig struct {
	JWKSURL  string
	Audience string
}

// ArchiveConfig enables model output archiving when Bucket is set
type ArchiveConfig struct {
	Bucket string
}

type LogConfig struct {
	Level  string
	Format string
}

// EnvPrefix is prepended to every environment override, e.g. INBOXLEDGER_DATABASE_DSN
const EnvPrefix = "INBOXLEDGER"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/inboxledger.db")

	v.SetDefault("sync.page_size", 25)
	v.SetDefault("sync.bootstrap_window", 7*24*time.Hour)
	v.SetDefault("sync.overlap", 5*time.Minute)
	v.SetDefault("sync.lock_lease", 30*time.Minute)
	v.SetDefault("sync.max_concurrent", 4)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.timeout", 60*time.Second)

	v.SetDefault("extraction.max_attempts", 3)
	v.SetDefault("extraction.backoff_base", time.Second)
	v.SetDefault("extraction.backoff_max", 8*time.Second)
	v.SetDefault("extraction.max_body_chars", 4000)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.tenant", "common")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.ack_wait", 15*time.Minute)
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.nak_delay", 30*time.Second)
	v.SetDefault("nats.outbox_interval", 2*time.Second)

	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("archive.bucket", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration from defaults, an optional file and the environment.
// An empty path searches for inboxledger.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("inboxledger")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Sync: SyncConfig{
			PageSize:        v.GetInt64("sync.page_size"),
			BootstrapWindow: v.GetDuration("sync.bootstrap_window"),
			Overlap:         v.GetDuration("sync.overlap"),
			LockLease:       v.GetDuration("sync.lock_lease"),
			MaxConcurrent:   v.GetInt("sync.max_concurrent"),
		},
		Gemini: GeminiConfig{
			APIKey:  v.GetString("gemini.api_key"),
			Model:   v.GetString("gemini.model"),
			Timeout: v.GetDuration("gemini.timeout"),
		},
		Extraction: ExtractionConfig{
			MaxAttempts:  v.GetInt("extraction.max_attempts"),
			BackoffBase:  v.GetDuration("extraction.backoff_base"),
			BackoffMax:   v.GetDuration("extraction.backoff_max"),
			MaxBodyChars: v.GetInt("extraction.max_body_chars"),
		},
		Google: OAuthConfig{
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
		},
		Microsoft: MicrosoftConfig{
			ClientID:     v.GetString("microsoft.client_id"),
			ClientSecret: v.GetString("microsoft.client_secret"),
			Tenant:       v.GetString("microsoft.tenant"),
		},
		NATS: NATSConfig{
			URL:        v.GetString("nats.url"),
			AckWait:    v.GetDuration("nats.ack_wait"),
			MaxDeliver: v.GetInt("nats.max_deliver"),
			NakDelay:   v.GetDuration("nats.nak_delay"),

			OutboxInterval: v.GetDuration("nats.outbox_interval"),
		},
		Auth: AuthConfig{
			JWKSURL:  v.GetString("auth.jwks_url"),
			Audience: v.GetString("auth.audience"),
		},
		Archive: ArchiveConfig{
			Bucket: v.GetString("archive.bucket"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be positive")
	}
	if c.Sync.LockLease <= 0 {
		return errors.New("sync.lock_lease must be positive")
	}
	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}
	if c.Extraction.MaxAttempts <= 0 {
		return errors.New("extraction.max_attempts must be positive")
	}
	if c.Auth.JWKSURL != "" && c.Auth.Audience == "" {
		return errors.New("auth.audience is required when auth.jwks_url is set")
	}
	return nil
}
