package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "WSL"

// ConfigFileEnv points Load at an explicit YAML file.
const ConfigFileEnv = "WSL_CONFIG_FILE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AdminToken string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gt=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gt=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output     string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" validate:"required"`
}

// StorageConfig selects the persistence backend for keys, revocations,
// grace state and bindings.
type StorageConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=memory file sqlite postgres"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn" envconfig:"DSN"`
}

// LicenseConfig holds the license subsystem options.
type LicenseConfig struct {
	GracePeriodHours          int           `yaml:"grace_period_hours" envconfig:"GRACE_PERIOD_HOURS" validate:"gt=0"`
	HeartbeatIntervalSeconds  int           `yaml:"heartbeat_interval_seconds" envconfig:"HEARTBEAT_INTERVAL_SECONDS" validate:"gt=0"`
	RefreshWindowHours        int           `yaml:"refresh_window_hours" envconfig:"REFRESH_WINDOW_HOURS" validate:"gte=0"`
	HardwareToleranceLevel    string        `yaml:"hardware_tolerance_level" envconfig:"HARDWARE_TOLERANCE_LEVEL" validate:"oneof=strict medium loose"`
	MaxWorkshopsPerBusiness   int           `yaml:"max_workshops_per_business" envconfig:"MAX_WORKSHOPS_PER_BUSINESS" validate:"gt=0"`
	TokenValidityHours        int           `yaml:"token_validity_hours" envconfig:"TOKEN_VALIDITY_HOURS" validate:"gt=0"`
	OnlineTimeout             time.Duration `yaml:"online_timeout" envconfig:"ONLINE_TIMEOUT" validate:"gt=0"`
	Issuer                    string        `yaml:"issuer" envconfig:"ISSUER" validate:"required"`
	Audience                  string        `yaml:"audience" envconfig:"AUDIENCE" validate:"required"`
	KeyPassphrase             string        `yaml:"key_passphrase" envconfig:"KEY_PASSPHRASE"`
	LicenseServerURL          string        `yaml:"license_server_url" envconfig:"SERVER_URL" validate:"omitempty,url"`
	RevokeOnRefresh           bool          `yaml:"revoke_on_refresh" envconfig:"REVOKE_ON_REFRESH"`
	ClockRollbackPolicy       string        `yaml:"clock_rollback_policy" envconfig:"CLOCK_ROLLBACK_POLICY" validate:"oneof=trust high_water"`
	RevocationCleanupInterval time.Duration `yaml:"revocation_cleanup_interval" envconfig:"REVOCATION_CLEANUP_INTERVAL" validate:"gt=0"`
}

// GracePeriod returns the grace window as a duration.
func (l LicenseConfig) GracePeriod() time.Duration {
	return time.Duration(l.GracePeriodHours) * time.Hour
}

// HeartbeatInterval returns the background validation cadence.
func (l LicenseConfig) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatIntervalSeconds) * time.Second
}

// RefreshWindow returns how long past exp a token may still be refreshed.
func (l LicenseConfig) RefreshWindow() time.Duration {
	return time.Duration(l.RefreshWindowHours) * time.Hour
}

// TokenValidity returns the lifetime of an issued token.
func (l LicenseConfig) TokenValidity() time.Duration {
	return time.Duration(l.TokenValidityHours) * time.Hour
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" validate:"gt=0"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" validate:"gtfield=PingPeriod"`
}

// Load builds the configuration from defaults, an optional YAML file and
// WSL_* environment variables, in increasing order of precedence, and
// validates the result once.
func Load() (*Config, error) {
	cfg := Default()

	if path := getConfigFilePath(); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields carry no default tags: envconfig leaves unset variables alone.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile decodes a YAML file into cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	switch c.Storage.Backend {
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the %s backend", c.Storage.Backend)
		}
	}

	if c.License.HeartbeatInterval() > c.License.GracePeriod() {
		return fmt.Errorf("license.heartbeat_interval_seconds (%d) must not exceed the grace period (%dh)",
			c.License.HeartbeatIntervalSeconds, c.License.GracePeriodHours)
	}

	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required for output %q", c.Logging.Output)
	}

	return nil
}

func formatValidationErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(ConfigFileEnv); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "console",
			FilePath:   "logs/licensed.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Paths: PathsConfig{
			DataDir: "data",
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		License: LicenseConfig{
			GracePeriodHours:          24,
			HeartbeatIntervalSeconds:  300,
			RefreshWindowHours:        6,
			HardwareToleranceLevel:    "medium",
			MaxWorkshopsPerBusiness:   5,
			TokenValidityHours:        24,
			OnlineTimeout:             10 * time.Second,
			Issuer:                    "workshop-license",
			Audience:                  "workshop",
			ClockRollbackPolicy:       "trust",
			RevocationCleanupInterval: 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "workshop-licensed",
			Environment:    "development",
			EnableMetrics:  true,
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
