package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the agent and controller configuration
type Config struct {
	Env                 string `yaml:"env" env:"WORKTIME_ENV" env-default:"local"`
	StoragePath         string `yaml:"storage_path" env:"WORKTIME_STORAGE_PATH" env-default:"data/local_backup.db"`
	FallbackStoragePath string `yaml:"fallback_storage_path" env:"WORKTIME_FALLBACK_STORAGE_PATH"`

	Log       LogConfig       `yaml:"log"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Events    EventsConfig    `yaml:"events"`
	Groups    GroupsConfig    `yaml:"groups"`
	Server    ServerConfig    `yaml:"server"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"WORKTIME_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"WORKTIME_LOG_FORMAT" env-default:"console"`
}

// RemoteConfig selects and tunes the remote tabular store
type RemoteConfig struct {
	Driver        string        `yaml:"driver" env:"WORKTIME_REMOTE_DRIVER" env-default:"sheets"`
	BaseURL       string        `yaml:"base_url" env:"WORKTIME_REMOTE_BASE_URL" env-default:"https://sheets.googleapis.com"`
	SpreadsheetID string        `yaml:"spreadsheet_id" env:"WORKTIME_SPREADSHEET_ID"`
	Token         string        `yaml:"token" env:"WORKTIME_REMOTE_TOKEN"`
	DSN           string        `yaml:"dsn" env:"WORKTIME_REMOTE_DSN"`
	Timeout       time.Duration `yaml:"timeout" env:"WORKTIME_REMOTE_TIMEOUT" env-default:"30s"`
	ProbeURL      string        `yaml:"probe_url" env:"WORKTIME_PROBE_URL" env-default:"https://www.google.com"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" env:"WORKTIME_PROBE_TIMEOUT" env-default:"3s"`

	MinCallDelay         time.Duration `yaml:"min_call_delay" env:"WORKTIME_MIN_CALL_DELAY" env-default:"1500ms"`
	MaxRetries           int           `yaml:"max_retries" env:"WORKTIME_REMOTE_MAX_RETRIES" env-default:"5"`
	BackoffBase          time.Duration `yaml:"backoff_base" env:"WORKTIME_BACKOFF_BASE" env-default:"1500ms"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute" env:"WORKTIME_MAX_REQUESTS_PER_MINUTE" env-default:"60"`
	MaxRowsPerRequest    int           `yaml:"max_rows_per_request" env:"WORKTIME_MAX_ROWS_PER_REQUEST" env-default:"50"`
	DailyLimit           int           `yaml:"daily_limit" env:"WORKTIME_DAILY_LIMIT" env-default:"100000"`

	Timezone      string `yaml:"timezone" env:"WORKTIME_TIMEZONE" env-default:"Europe/Moscow"`
	UsersTable    string `yaml:"users_table" env-default:"Users"`
	SessionsTable string `yaml:"sessions_table" env-default:"ActiveSessions"`
}

// SyncConfig drives the background sync engine
type SyncConfig struct {
	BatchSize         int             `yaml:"batch_size" env:"WORKTIME_SYNC_BATCH_SIZE" env-default:"35"`
	MaxRetries        int             `yaml:"max_retries" env:"WORKTIME_SYNC_MAX_RETRIES" env-default:"5"`
	RetryLadder       []time.Duration `yaml:"retry_ladder" env:"WORKTIME_SYNC_RETRY_LADDER" env-default:"1m,5m,15m,30m,60m"`
	OnlineInterval    time.Duration   `yaml:"online_interval" env:"WORKTIME_SYNC_ONLINE_INTERVAL" env-default:"60s"`
	RecoveryInterval  time.Duration   `yaml:"recovery_interval" env:"WORKTIME_SYNC_RECOVERY_INTERVAL" env-default:"300s"`
	OfflineInterval   time.Duration   `yaml:"offline_interval" env:"WORKTIME_SYNC_OFFLINE_INTERVAL" env-default:"10s"`
	RecoveryThreshold int             `yaml:"recovery_threshold" env:"WORKTIME_SYNC_RECOVERY_THRESHOLD" env-default:"100"`
	DrainThreshold    int             `yaml:"drain_threshold" env:"WORKTIME_SYNC_DRAIN_THRESHOLD" env-default:"50"`
}

type EventsConfig struct {
	MaxCommentLength  int           `yaml:"max_comment_length" env:"WORKTIME_MAX_COMMENT_LENGTH" env-default:"500"`
	Retention         time.Duration `yaml:"retention" env:"WORKTIME_RETENTION" env-default:"720h"`
	LogoutDedupWindow time.Duration `yaml:"logout_dedup_window" env:"WORKTIME_LOGOUT_DEDUP_WINDOW" env-default:"5m"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"WORKTIME_SWEEP_INTERVAL" env-default:"24h"`
}

// GroupsConfig controls routing of events into per-group WorkLog tables
type GroupsConfig struct {
	Default       string            `yaml:"default" env:"WORKTIME_DEFAULT_GROUP" env-default:"Входящие"`
	Prefixes      map[string]string `yaml:"prefixes" env:"WORKTIME_GROUP_PREFIXES" env-default:"call:Входящие,appointment:Запись,mail:Почта,dental:Стоматология"`
	WorkLogPrefix string            `yaml:"worklog_prefix" env-default:"WorkLog_"`
	UsersCacheTTL time.Duration     `yaml:"users_cache_ttl" env:"WORKTIME_USERS_CACHE_TTL" env-default:"10m"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" env:"WORKTIME_SERVER_ENABLED" env-default:"true"`
	Port            int           `yaml:"port" env:"WORKTIME_SERVER_PORT" env-default:"43333"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout" env:"WORKTIME_LIVENESS_TIMEOUT" env-default:"1h"`
}

type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url" env:"WORKTIME_NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"WORKTIME_NATS_SUBJECT_PREFIX" env-default:"worktime"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"worktime-agent"`
}

// LoadConfig reads the YAML file at path, applies env overrides and defaults, and validates the result.
// A missing file is not an error: the environment and defaults alone form a valid configuration.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		} else if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if cfg.FallbackStoragePath == "" {
		cfg.FallbackStoragePath = DefaultFallbackPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultFallbackPath is the secondary database location under the user's home directory
func DefaultFallbackPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "WorkTimeTracker", "local_backup.db")
	}
	return filepath.Join(home, "WorkTimeTracker", "local_backup.db")
}

// Validate checks cross-field constraints that tags cannot express
func (c *Config) Validate() error {
	var errs []error

	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}
	if c.Sync.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries))
	}
	if len(c.Sync.RetryLadder) == 0 {
		errs = append(errs, errors.New("sync.retry_ladder must contain at least one delay"))
	}
	for i := 1; i < len(c.Sync.RetryLadder); i++ {
		if c.Sync.RetryLadder[i] < c.Sync.RetryLadder[i-1] {
			errs = append(errs, fmt.Errorf("sync.retry_ladder must be non-decreasing at index %d", i))
			break
		}
	}
	if c.Sync.DrainThreshold > c.Sync.RecoveryThreshold {
		errs = append(errs, fmt.Errorf("sync.drain_threshold (%d) must not exceed sync.recovery_threshold (%d)",
			c.Sync.DrainThreshold, c.Sync.RecoveryThreshold))
	}
	if c.Remote.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("remote.max_retries must be positive, got %d", c.Remote.MaxRetries))
	}
	if c.Remote.MaxRequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("remote.max_requests_per_minute must be positive, got %d", c.Remote.MaxRequestsPerMinute))
	}
	if _, err := time.LoadLocation(c.Remote.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("remote.timezone %q: %w", c.Remote.Timezone, err))
	}
	switch c.Remote.Driver {
	case "sheets":
		if c.Remote.SpreadsheetID == "" {
			errs = append(errs, errors.New("remote.spreadsheet_id is required for the sheets driver"))
		}
	case "postgres":
		if c.Remote.DSN == "" {
			errs = append(errs, errors.New("remote.dsn is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown remote.driver %q", c.Remote.Driver))
	}
	if c.Events.MaxCommentLength <= 0 {
		errs = append(errs, fmt.Errorf("events.max_comment_length must be positive, got %d", c.Events.MaxCommentLength))
	}
	if c.Groups.Default == "" {
		errs = append(errs, errors.New("groups.default must not be empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the time zone used to render remote timestamps
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Remote.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
