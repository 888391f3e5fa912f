// Package config defines mailfold's TOML configuration and its defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mailfold/mailfold/helpers"
)

// LoggingConfig selects the log destination and verbosity.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"`
	LogQueries      bool   `toml:"log_queries"`
}

func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// CacheConfig holds the node-local UID-state store settings.
type CacheConfig struct {
	Path string `toml:"path"` // SQLite database path
}

// SchedulerConfig drives the two recurring jobs.
type SchedulerConfig struct {
	Enabled                bool   `toml:"enabled"`
	ClassificationInterval string `toml:"classification_interval"` // maintenance-mode tick cadence
	TrainingInterval       string `toml:"training_interval"`       // training-folder job cadence
	RetentionHour          int    `toml:"retention_hour"`          // local hour for the daily retention run
}

// Ticks more frequent than this hammer the IMAP servers for no benefit.
const minSchedulerInterval = time.Minute

func (s *SchedulerConfig) GetClassificationInterval() (time.Duration, error) {
	if s.ClassificationInterval == "" {
		return 5 * time.Minute, nil
	}
	d, err := helpers.ParseDuration(s.ClassificationInterval)
	if err != nil {
		return 0, err
	}
	if d < minSchedulerInterval {
		d = minSchedulerInterval
	}
	return d, nil
}

func (s *SchedulerConfig) GetTrainingInterval() (time.Duration, error) {
	if s.TrainingInterval == "" {
		return 4 * time.Minute, nil
	}
	d, err := helpers.ParseDuration(s.TrainingInterval)
	if err != nil {
		return 0, err
	}
	if d < minSchedulerInterval {
		d = minSchedulerInterval
	}
	return d, nil
}

// ArchiveConfig enables copying messages to S3-compatible storage before
// permanent deletion.
type ArchiveConfig struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	DisableTLS bool   `toml:"disable_tls"`
	Debug      bool   `toml:"debug"`
}

// RetentionConfig holds process-wide retention limits and defaults.
type RetentionConfig struct {
	MinRetentionDays          int           `toml:"min_retention_days"`
	DefaultTrashRetentionDays int           `toml:"default_trash_retention_days"`
	MaxEmailsPerOperation     int           `toml:"max_emails_per_operation"`
	AuditRetentionDays        int           `toml:"audit_retention_days"`
	Archive                   ArchiveConfig `toml:"archive"`
}

// APIConfig holds the admin HTTP API settings. APIKeyBcrypt takes precedence
// over APIKey when both are set.
type APIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	APIKeyBcrypt string   `toml:"api_key_bcrypt"` // bcrypt hash of the API key
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig exposes Prometheus metrics on a dedicated listener. The
// endpoint is unauthenticated, so bind it to an internal address.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// ForwardConfig holds the SMTP relay used by the forward rule action.
type ForwardConfig struct {
	Host      string `toml:"host"`     // host:port of the submission relay
	Security  string `toml:"security"` // "tls", "starttls", or "none"
	TLSVerify bool   `toml:"tls_verify"`
}

// TrainingFolderConfig binds a training folder to a list. Messages an
// operator drops into the folder have their sender added to the list and are
// then moved to MoveTo (or left in place when MoveTo is empty).
type TrainingFolderConfig struct {
	Folder string `toml:"folder"`
	List   string `toml:"list"`
	MoveTo string `toml:"move_to"`
}

// FolderConfig maps folder roles to concrete names for one account.
type FolderConfig struct {
	Inbox     string `toml:"inbox"`
	Pending   string `toml:"pending"`
	Processed string `toml:"processed"`
	Trash     string `toml:"trash"` // discovered from the server when empty
}

// AccountConfig holds one IMAP account's connection parameters and folder
// role mappings.
type AccountConfig struct {
	Email                string                 `toml:"email"`
	Host                 string                 `toml:"host"` // host:port
	Username             string                 `toml:"username"`
	Password             string                 `toml:"password"`
	TLS                  bool                   `toml:"tls"`
	TLSVerify            bool                   `toml:"tls_verify"`
	Folders              FolderConfig           `toml:"folders"`
	Training             []TrainingFolderConfig `toml:"training"`
	StartupBatchSize     int                    `toml:"startup_batch_size"`
	MaintenanceBatchSize int                    `toml:"maintenance_batch_size"`
	MaxConsecutiveErrors int                    `toml:"max_consecutive_errors"`
}

type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Database  DatabaseConfig  `toml:"database"`
	Cache     CacheConfig     `toml:"cache"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Retention RetentionConfig `toml:"retention"`
	API       APIConfig       `toml:"api"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Forward   ForwardConfig   `toml:"forward"`
	Accounts  []AccountConfig `toml:"account"`
}

// NewDefaultConfig creates a Config with application defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			Name:         "mailfold_db",
			MaxConns:     25,
			MinConns:     2,
			QueryTimeout: "30s",
		},
		Cache: CacheConfig{
			Path: "/var/lib/mailfold/state.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:                true,
			ClassificationInterval: "5m",
			TrainingInterval:       "4m",
			RetentionHour:          2,
		},
		Retention: RetentionConfig{
			MinRetentionDays:          1,
			DefaultTrashRetentionDays: 7,
			MaxEmailsPerOperation:     1000,
			AuditRetentionDays:        365,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "localhost:8790",
		},
		Metrics: MetricsConfig{
			Addr: "localhost:9090",
			Path: "/metrics",
		},
		Forward: ForwardConfig{
			Security:  "starttls",
			TLSVerify: true,
		},
	}
}

// LoadConfigFromFile reads a TOML file over the defaults already present in
// cfg. Unknown keys are reported but not fatal, so typos surface in logs
// instead of being silently dropped.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", configPath, err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	return nil
}

// Validate checks cross-field constraints after defaults and file values are
// merged.
func (c *Config) Validate() error {
	if c.API.Enabled && c.API.APIKey == "" && c.API.APIKeyBcrypt == "" {
		return fmt.Errorf("api: api_key or api_key_bcrypt is required when the API is enabled")
	}
	if c.API.TLS && (c.API.TLSCertFile == "" || c.API.TLSKeyFile == "") {
		return fmt.Errorf("api: tls_cert_file and tls_key_file are required when TLS is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when metrics are enabled")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	switch c.Forward.Security {
	case "", "tls", "starttls", "none":
	default:
		return fmt.Errorf("forward: security must be \"tls\", \"starttls\", or \"none\", got %q", c.Forward.Security)
	}

	if c.Retention.MinRetentionDays < 1 {
		return fmt.Errorf("retention: min_retention_days must be at least 1")
	}
	if c.Retention.MaxEmailsPerOperation < 1 {
		return fmt.Errorf("retention: max_emails_per_operation must be at least 1")
	}
	if c.Scheduler.RetentionHour < 0 || c.Scheduler.RetentionHour > 23 {
		return fmt.Errorf("scheduler: retention_hour must be between 0 and 23")
	}
	if _, err := c.Scheduler.GetClassificationInterval(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := c.Scheduler.GetTrainingInterval(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if c.Retention.Archive.Enabled {
		if c.Retention.Archive.Endpoint == "" || c.Retention.Archive.Bucket == "" {
			return fmt.Errorf("retention.archive: endpoint and bucket are required when the archive is enabled")
		}
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Email == "" {
			return fmt.Errorf("account[%d]: email is required", i)
		}
		if seen[strings.ToLower(a.Email)] {
			return fmt.Errorf("account %s: duplicate account email", a.Email)
		}
		seen[strings.ToLower(a.Email)] = true
		if a.Host == "" {
			return fmt.Errorf("account %s: host is required", a.Email)
		}
		a.applyDefaults()
		for _, tf := range a.Training {
			if tf.Folder == "" || tf.List == "" {
				return fmt.Errorf("account %s: training entries require folder and list", a.Email)
			}
		}
	}

	return nil
}

func (a *AccountConfig) applyDefaults() {
	if a.Username == "" {
		a.Username = a.Email
	}
	if a.Folders.Inbox == "" {
		a.Folders.Inbox = "INBOX"
	}
	if a.Folders.Pending == "" {
		a.Folders.Pending = "Pending"
	}
	if a.Folders.Processed == "" {
		a.Folders.Processed = "Processed"
	}
	if a.StartupBatchSize <= 0 {
		a.StartupBatchSize = 100
	}
	if a.MaintenanceBatchSize <= 0 {
		a.MaintenanceBatchSize = 200
	}
	if a.MaxConsecutiveErrors <= 0 {
		a.MaxConsecutiveErrors = 5
	}
}

// AccountByEmail returns the configuration for the given account email.
func (c *Config) AccountByEmail(email string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if strings.EqualFold(c.Accounts[i].Email, email) {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}
