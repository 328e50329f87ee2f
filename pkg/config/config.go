// Package config loads and validates the synchronizer configuration from a
// YAML file with environment-variable overrides. It provides typed structs for
// every subsystem (Postgres, Source, Staging, Import, Maintenance, Notify,
// Schedule, Redis, Kafka, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BuildPlaceholder is substituted with the build identifier in URL and file
// name templates.
const BuildPlaceholder = "{build}"

// MaxBatchSize keeps a two-column batch under the postgres 65535 bind
// parameter limit.
const MaxBatchSize = 32767

var identPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Config is the top-level application configuration.
type Config struct {
	Postgres    PostgresConfig    `yaml:"postgres"`
	Source      SourceConfig      `yaml:"source"`
	Staging     StagingConfig     `yaml:"staging"`
	Import      ImportConfig      `yaml:"import"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Notify      NotifyConfig      `yaml:"notify"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, quoteDSNValue(p.Password), p.Database, p.SSLMode,
	)
	if p.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", int(p.ConnectTimeout.Seconds()))
	}
	return dsn
}

func quoteDSNValue(v string) string {
	if v == "" || strings.ContainsAny(v, ` '\`) {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		return "'" + v + "'"
	}
	return v
}

// SourceConfig describes where the upstream metadata feed and archives live.
type SourceConfig struct {
	FeedURL string `yaml:"feedUrl"`
	// ArchiveURL is templated on {build}.
	ArchiveURL string `yaml:"archiveUrl"`
	// ArchiveName is the local file name of the downloaded archive, templated
	// on {build}.
	ArchiveName      string        `yaml:"archiveName"`
	FeedTimeout      time.Duration `yaml:"feedTimeout"`
	DownloadTimeout  time.Duration `yaml:"downloadTimeout"`
	DownloadAttempts int           `yaml:"downloadAttempts"`
	ChunkSize        int           `yaml:"chunkSize"`
}

// ArchiveURLFor returns the download URL for the given build.
func (s SourceConfig) ArchiveURLFor(build string) string {
	return strings.ReplaceAll(s.ArchiveURL, BuildPlaceholder, build)
}

// ArchiveNameFor returns the local archive file name for the given build.
func (s SourceConfig) ArchiveNameFor(build string) string {
	return strings.ReplaceAll(s.ArchiveName, BuildPlaceholder, build)
}

// StagingConfig controls where archives are downloaded and expanded.
type StagingConfig struct {
	Dir string `yaml:"dir"`
	// Extension selects importable files during discovery.
	Extension string `yaml:"extension"`
}

// ImportConfig controls the record importer.
type ImportConfig struct {
	Schema    string `yaml:"schema"`
	KeyField  string `yaml:"keyField"`
	BatchSize int    `yaml:"batchSize"`
}

// MaintenanceConfig controls post-import statistics refresh and the
// operator-supplied view script.
type MaintenanceConfig struct {
	Analyze    bool          `yaml:"analyze"`
	ScriptPath string        `yaml:"scriptPath"`
	Timeout    time.Duration `yaml:"timeout"`
}

// NotifyConfig holds the downstream cache invalidation endpoint.
type NotifyConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Secret       string        `yaml:"secret"`
	SecretHeader string        `yaml:"secretHeader"`
	Timeout      time.Duration `yaml:"timeout"`
}

// CheckpointConfig locates the persisted build identifier.
type CheckpointConfig struct {
	Path string `yaml:"path"`
}

// ScheduleConfig holds the daily wall-clock run time.
type ScheduleConfig struct {
	DailyAt    string `yaml:"dailyAt"`
	Timezone   string `yaml:"timezone"`
	RunOnStart bool   `yaml:"runOnStart"`
}

// CronSpec renders the daily time as a robfig/cron spec with an explicit
// timezone.
func (s ScheduleConfig) CronSpec() (string, error) {
	hour, minute, err := parseClock(s.DailyAt)
	if err != nil {
		return "", err
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, minute, hour), nil
}

func parseClock(v string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("parsing daily time %q (want HH:MM): %w", v, err)
	}
	return t.Hour(), t.Minute(), nil
}

// RedisConfig holds the downstream Redis cache the notifier flushes.
type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"poolSize"`
	KeyPattern string `yaml:"keyPattern"`
}

// KafkaConfig holds broker and topic settings for update events.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration value the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Import.BatchSize < 1 || c.Import.BatchSize > MaxBatchSize {
		return fmt.Errorf("import.batchSize must be within 1..%d, got %d", MaxBatchSize, c.Import.BatchSize)
	}
	if !identPattern.MatchString(c.Import.Schema) {
		return fmt.Errorf("import.schema %q is not a safe identifier", c.Import.Schema)
	}
	if c.Import.KeyField == "" {
		return fmt.Errorf("import.keyField must not be empty")
	}
	if c.Source.FeedURL == "" {
		return fmt.Errorf("source.feedUrl must not be empty")
	}
	if !strings.Contains(c.Source.ArchiveURL, BuildPlaceholder) {
		return fmt.Errorf("source.archiveUrl must contain %s", BuildPlaceholder)
	}
	if !strings.Contains(c.Source.ArchiveName, BuildPlaceholder) {
		return fmt.Errorf("source.archiveName must contain %s", BuildPlaceholder)
	}
	if c.Staging.Dir == "" {
		return fmt.Errorf("staging.dir must not be empty")
	}
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path must not be empty")
	}
	if _, err := c.Schedule.CronSpec(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:            "db",
			Port:            5432,
			Database:        "eve_sde_db",
			User:            "eve_admin",
			Password:        "",
			SSLMode:         "disable",
			ConnectTimeout:  10 * time.Second,
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Source: SourceConfig{
			FeedURL:          "https://developers.eveonline.com/static-data/tranquility/latest.jsonl",
			ArchiveURL:       "https://developers.eveonline.com/static-data/tranquility/eve-online-static-data-{build}-jsonl.zip",
			ArchiveName:      "sde_{build}.zip",
			FeedTimeout:      15 * time.Second,
			DownloadTimeout:  30 * time.Minute,
			DownloadAttempts: 3,
			ChunkSize:        32 * 1024,
		},
		Staging: StagingConfig{
			Dir:       "data",
			Extension: ".jsonl",
		},
		Import: ImportConfig{
			Schema:    "raw",
			KeyField:  "_key",
			BatchSize: 1000,
		},
		Maintenance: MaintenanceConfig{
			Analyze: true,
			Timeout: 10 * time.Minute,
		},
		Notify: NotifyConfig{
			SecretHeader: "X-Internal-Secret",
			Timeout:      10 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Path: "current_version.txt",
		},
		Schedule: ScheduleConfig{
			DailyAt:  "11:30",
			Timezone: "UTC",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   4,
			KeyPattern: "sde:*",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "cache-invalidate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SDE_* environment variables (and the legacy DB_* /
// DATA_DIR names) and overrides the corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
					return
				}
			}
		}
	}

	setString(&cfg.Postgres.Host, "SDE_POSTGRES_HOST", "DB_HOST")
	setInt(&cfg.Postgres.Port, "SDE_POSTGRES_PORT", "DB_PORT")
	setString(&cfg.Postgres.Database, "SDE_POSTGRES_DATABASE", "DB_NAME")
	setString(&cfg.Postgres.User, "SDE_POSTGRES_USER", "DB_USER")
	setString(&cfg.Postgres.Password, "SDE_POSTGRES_PASSWORD", "DB_PASSWORD")
	setString(&cfg.Postgres.SSLMode, "SDE_POSTGRES_SSLMODE")
	setString(&cfg.Staging.Dir, "SDE_STAGING_DIR", "DATA_DIR")
	setString(&cfg.Source.FeedURL, "SDE_FEED_URL")
	setString(&cfg.Source.ArchiveURL, "SDE_ARCHIVE_URL")
	setString(&cfg.Notify.Endpoint, "SDE_NOTIFY_ENDPOINT")
	setString(&cfg.Notify.Secret, "SDE_NOTIFY_SECRET")
	setString(&cfg.Checkpoint.Path, "SDE_CHECKPOINT_PATH")
	setString(&cfg.Schedule.DailyAt, "SDE_SCHEDULE_DAILY_AT")
	setString(&cfg.Schedule.Timezone, "SDE_SCHEDULE_TIMEZONE")
	setString(&cfg.Maintenance.ScriptPath, "SDE_MAINTENANCE_SCRIPT")
	setString(&cfg.Redis.Addr, "SDE_REDIS_ADDR")
	setString(&cfg.Redis.Password, "SDE_REDIS_PASSWORD")
	setString(&cfg.Logging.Level, "SDE_LOGGING_LEVEL")
	setString(&cfg.Logging.Format, "SDE_LOGGING_FORMAT")
	setInt(&cfg.Metrics.Port, "SDE_METRICS_PORT")
	if v := os.Getenv("SDE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
}
