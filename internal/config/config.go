package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	AllowList AllowListConfig `yaml:"allowlist" envconfig:"ALLOWLIST"`
	Notify    NotifyConfig    `yaml:"notify" envconfig:"NOTIFY"`
	Scan      ScanConfig      `yaml:"scan" envconfig:"SCAN"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is one of "memory", "postgres" or "mongo".
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	// DSN is the connection string for postgres and mongo drivers.
	DSN string `yaml:"dsn" envconfig:"DSN"`
	// Database is the database name used by the mongo driver.
	Database       string        `yaml:"database" envconfig:"DATABASE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
}

// AllowListConfig configures where the eligible-identity list is loaded from
// at startup.
type AllowListConfig struct {
	// Source is one of "none", "csv", "excel" or "sheets".
	Source string `yaml:"source" envconfig:"SOURCE"`
	// Path locates the CSV or Excel workbook for file-based sources.
	Path string `yaml:"path" envconfig:"PATH"`
	// SheetID and SheetRange select the Google Sheets source.
	SheetID    string `yaml:"sheet_id" envconfig:"SHEET_ID"`
	SheetRange string `yaml:"sheet_range" envconfig:"SHEET_RANGE"`
	// CredentialsFile points at the service-account JSON, optionally sealed.
	// A sealed file requires CredentialsPassphrase to open.
	CredentialsFile       string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	CredentialsPassphrase string `yaml:"credentials_passphrase" envconfig:"CREDENTIALS_PASSPHRASE"`
}

// NotifyConfig configures the license key delivery relay. An empty endpoint
// selects the log-only notifier.
type NotifyConfig struct {
	Endpoint string        `yaml:"endpoint" envconfig:"ENDPOINT"`
	APIKey   string        `yaml:"api_key" envconfig:"API_KEY"`
	Sender   string        `yaml:"sender" envconfig:"SENDER"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// ScanConfig configures the external content classifier. An empty endpoint
// makes every scan return the safe default verdict.
type ScanConfig struct {
	Endpoint string        `yaml:"endpoint" envconfig:"ENDPOINT"`
	APIKey   string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Load builds the configuration in three layers. Defaults come first, an
// optional YAML file overrides them, and KEYGATE_* environment variables win
// over both. envconfig leaves fields untouched when the variable is unset,
// which is what makes the layering work.
func Load() (*Config, error) {
	cfg := Default()

	configFile := findConfigFile()
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process("KEYGATE", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays configuration from a YAML file onto cfg.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// findConfigFile returns the first config file that exists. KEYGATE_CONFIG
// names an explicit file and is checked first.
func findConfigFile() string {
	if explicit := os.Getenv("KEYGATE_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres", "mongo":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	switch c.AllowList.Source {
	case "none":
	case "csv", "excel":
		if c.AllowList.Path == "" {
			return fmt.Errorf("allowlist path is required for source %q", c.AllowList.Source)
		}
	case "sheets":
		if c.AllowList.SheetID == "" {
			return fmt.Errorf("allowlist sheet_id is required for source \"sheets\"")
		}
		if c.AllowList.CredentialsFile == "" {
			return fmt.Errorf("allowlist credentials_file is required for source \"sheets\"")
		}
	default:
		return fmt.Errorf("unknown allowlist source: %q", c.AllowList.Source)
	}

	if err := validateEndpoint("notify", c.Notify.Endpoint); err != nil {
		return err
	}
	if err := validateEndpoint("scan", c.Scan.Endpoint); err != nil {
		return err
	}

	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified when CORS is enabled")
	}

	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when rate limiting is enabled")
	}

	// Logging is coerced rather than rejected. Structured JSON output is the
	// only format the trace pipeline understands.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	switch c.Logging.Output {
	case "stdout", "file", "both", "discard":
	default:
		c.Logging.Output = "both"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keygate.log"
	}

	return nil
}

func validateEndpoint(name, endpoint string) error {
	if endpoint == "" {
		return nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return fmt.Errorf("%s endpoint must be an http(s) URL", name)
	}
	return nil
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
			RequestTimeout:  30 * time.Second,
		},
		Store: StoreConfig{
			Driver:         "memory",
			Database:       "keygate",
			ConnectTimeout: 10 * time.Second,
		},
		AllowList: AllowListConfig{
			Source:     "none",
			SheetRange: "AllowList!A2:A",
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		Scan: ScanConfig{
			Timeout: 15 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/keygate.log",
		},
	}
}
