package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Log        LogConfig
	Worker     WorkerConfig
	Ledger     LedgerConfig
	Commerce   CommerceConfig
	Storage    StorageConfig
	Extraction ExtractionConfig
	HTTP       HTTPConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// WorkerConfig holds job worker loop configuration
type WorkerConfig struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	MaxAttempts       int
}

// LedgerConfig holds credentials and tuning for the external cost ledger.
// The three credential blocks correspond to the three client strategies;
// any subset may be present and selection follows the fixed priority order.
type LedgerConfig struct {
	BaseURL    string
	DocumentID string
	SheetName  string

	// Delegated-identity strategy: a self-issued signed assertion exchanged
	// for a bearer token at TokenURL.
	ServiceAccountEmail string
	PrivateKeyPEM       string
	TokenURL            string

	// User-authorized strategy: token pair produced by a one-time
	// authorization-code exchange done outside this process.
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string

	// Shared-secret strategy: read-only by construction.
	APIKey string

	RequestsPerMinute int
	TimeoutSeconds    int
}

// CommerceConfig holds access to the commerce-platform admin API used for
// batched inventory lookups.
type CommerceConfig struct {
	AccessToken    string
	APIVersion     string
	TimeoutSeconds int
}

// StorageConfig holds S3-compatible object storage settings for invoice
// documents.
type StorageConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ExtractionConfig holds settings for the external document extractor
type ExtractionConfig struct {
	Command string
	Timeout time.Duration
	WorkDir string
}

// HTTPConfig holds the operator HTTP surface configuration
type HTTPConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Load loads configuration from TOML file and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with SUPPLYSYNC_ prefix (e.g. SUPPLYSYNC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("SUPPLYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Worker: WorkerConfig{
			PollInterval:      v.GetDuration("worker.poll_interval"),
			MaxConcurrentJobs: v.GetInt("worker.max_concurrent_jobs"),
			MaxAttempts:       v.GetInt("worker.max_attempts"),
		},
		Ledger: LedgerConfig{
			BaseURL:             v.GetString("ledger.base_url"),
			DocumentID:          v.GetString("ledger.document_id"),
			SheetName:           v.GetString("ledger.sheet_name"),
			ServiceAccountEmail: v.GetString("ledger.service_account_email"),
			PrivateKeyPEM:       v.GetString("ledger.private_key_pem"),
			TokenURL:            v.GetString("ledger.token_url"),
			AccessToken:         v.GetString("ledger.access_token"),
			RefreshToken:        v.GetString("ledger.refresh_token"),
			ClientID:            v.GetString("ledger.client_id"),
			ClientSecret:        v.GetString("ledger.client_secret"),
			APIKey:              v.GetString("ledger.api_key"),
			RequestsPerMinute:   v.GetInt("ledger.requests_per_minute"),
			TimeoutSeconds:      v.GetInt("ledger.timeout_seconds"),
		},
		Commerce: CommerceConfig{
			AccessToken:    v.GetString("commerce.access_token"),
			APIVersion:     v.GetString("commerce.api_version"),
			TimeoutSeconds: v.GetInt("commerce.timeout_seconds"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("storage.endpoint"),
			Region:    v.GetString("storage.region"),
			Bucket:    v.GetString("storage.bucket"),
			AccessKey: v.GetString("storage.access_key"),
			SecretKey: v.GetString("storage.secret_key"),
			UseSSL:    v.GetBool("storage.use_ssl"),
		},
		Extraction: ExtractionConfig{
			Command: v.GetString("extraction.command"),
			Timeout: v.GetDuration("extraction.timeout"),
			WorkDir: v.GetString("extraction.work_dir"),
		},
		HTTP: HTTPConfig{
			Port:         v.GetString("http.port"),
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
			IdleTimeout:  v.GetDuration("http.idle_timeout"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "supplysync-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "supplysync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 5 * time.Second
	}
	if cfg.Worker.MaxConcurrentJobs == 0 {
		cfg.Worker.MaxConcurrentJobs = 5
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Ledger.SheetName == "" {
		cfg.Ledger.SheetName = "CMP"
	}
	if cfg.Ledger.RequestsPerMinute == 0 {
		cfg.Ledger.RequestsPerMinute = 60
	}
	if cfg.Ledger.TimeoutSeconds == 0 {
		cfg.Ledger.TimeoutSeconds = 30
	}
	if cfg.Commerce.APIVersion == "" {
		cfg.Commerce.APIVersion = "2024-07"
	}
	if cfg.Commerce.TimeoutSeconds == 0 {
		cfg.Commerce.TimeoutSeconds = 30
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = 3 * time.Minute
	}
	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Worker.PollInterval < time.Second {
		return fmt.Errorf("worker.poll_interval must be at least 1s")
	}
	if c.Worker.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("worker.max_concurrent_jobs must be positive")
	}
	if c.Ledger.RequestsPerMinute <= 0 {
		return fmt.Errorf("ledger.requests_per_minute must be positive")
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Ledger.BaseURL == "" {
			return fmt.Errorf("ledger.base_url is required in production")
		}
		if c.Ledger.DocumentID == "" {
			return fmt.Errorf("ledger.document_id is required in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
