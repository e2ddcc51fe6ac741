package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for fennec-core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Device    DeviceConfig    `yaml:"device"`
	Updates   UpdatesConfig   `yaml:"updates"`
	Database  DatabaseConfig  `yaml:"database"`
	Backups   BackupsConfig   `yaml:"backups"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies this daemon instance.
type SiteConfig struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
}

// DeviceConfig contains device discovery settings.
type DeviceConfig struct {
	// QueryTimeout bounds the descriptor fetch that runs when a device
	// attaches, in seconds.
	QueryTimeout int `yaml:"query_timeout"`

	Simulator SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig controls the built-in simulated device used for
// development and self-tests. When enabled, fennecd attaches one synthetic
// device shortly after startup instead of waiting for hardware.
type SimulatorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Serial  string `yaml:"serial"`

	// OperationDelay is the simulated duration of each device operation,
	// in milliseconds.
	OperationDelay int `yaml:"operation_delay"`
}

// UpdatesConfig contains firmware catalog settings.
type UpdatesConfig struct {
	// URL points at the channel directory JSON.
	URL string `yaml:"url"`

	// Channel selects which release channel LatestVersion tracks:
	// release, release-candidate, or development.
	Channel string `yaml:"channel"`

	// CheckInterval is how often the catalog is re-fetched, in seconds.
	// 0 disables periodic checks; explicit checks still work.
	CheckInterval int `yaml:"check_interval"`

	// HTTPTimeout bounds a single catalog fetch, in seconds.
	HTTPTimeout int `yaml:"http_timeout"`

	// DownloadDir is where fetched firmware artifacts are staged.
	DownloadDir string `yaml:"download_dir"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// BackupsConfig contains device backup storage settings.
type BackupsConfig struct {
	// Dir is the default destination for device backups when the caller
	// does not name one.
	Dir string `yaml:"dir"`

	// Keep caps how many backups per device serial are retained. 0 keeps all.
	Keep int `yaml:"keep"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT event bridge settings. The bridge is optional;
// when disabled, no broker connection is made.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB telemetry settings. Optional.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains API authentication settings. Authentication is
// off by default because fennecd normally binds to loopback; enable it
// before exposing the API beyond the local machine.
type SecurityConfig struct {
	Auth AuthConfig `yaml:"auth"`
	JWT  JWTConfig  `yaml:"jwt"`
}

// AuthConfig contains login settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// PasswordHash is the argon2id PHC string the login password is
	// verified against. Generate one with `fennecd --hash-password`.
	PasswordHash string `yaml:"password_hash"`
}

// JWTConfig contains session token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FENNEC_SECTION_KEY
// For example: FENNEC_DATABASE_PATH, FENNEC_UPDATES_CHANNEL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			Name:    "fennec",
			DataDir: "./data",
		},
		Device: DeviceConfig{
			QueryTimeout: 10,
			Simulator: SimulatorConfig{
				Serial:         "SIM0000001",
				OperationDelay: 50,
			},
		},
		Updates: UpdatesConfig{
			URL:           "https://updates.fenneclabs.io/firmware/directory.json",
			Channel:       "release",
			CheckInterval: 3600,
			HTTPTimeout:   30,
			DownloadDir:   "./data/firmware",
		},
		Database: DatabaseConfig{
			Path:        "./data/fennec.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Backups: BackupsConfig{
			Dir: "./data/backups",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8490,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fennec-core",
			},
			QoS:         1,
			TopicPrefix: "fennec",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FENNEC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("FENNEC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Updates
	if v := os.Getenv("FENNEC_UPDATES_URL"); v != "" {
		cfg.Updates.URL = v
	}
	if v := os.Getenv("FENNEC_UPDATES_CHANNEL"); v != "" {
		cfg.Updates.Channel = v
	}

	// API
	if v := os.Getenv("FENNEC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// MQTT
	if v := os.Getenv("FENNEC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FENNEC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FENNEC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("FENNEC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("FENNEC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// validChannels are the release channels the catalog publishes.
var validChannels = map[string]bool{
	"release":           true,
	"release-candidate": true,
	"development":       true,
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Updates validation
	if c.Updates.URL == "" {
		errs = append(errs, "updates.url is required")
	}
	if !validChannels[c.Updates.Channel] {
		errs = append(errs, "updates.channel must be release, release-candidate, or development")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// MQTT validation
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Security validation. The JWT secret is only required when auth is on,
	// but once required it must not be guessable: a short secret lets anyone
	// forge session tokens and drive flash operations on the device.
	const minJWTSecretLength = 32
	if c.Security.Auth.Enabled {
		if c.Security.Auth.PasswordHash == "" {
			errs = append(errs, "security.auth.password_hash is required when auth is enabled")
		}
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when auth is enabled (set FENNEC_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetCheckInterval returns the catalog re-check interval as a Duration.
func (c *Config) GetCheckInterval() time.Duration {
	return time.Duration(c.Updates.CheckInterval) * time.Second
}

// GetHTTPTimeout returns the catalog fetch timeout as a Duration.
func (c *Config) GetHTTPTimeout() time.Duration {
	return time.Duration(c.Updates.HTTPTimeout) * time.Second
}

// GetQueryTimeout returns the device descriptor query timeout as a Duration.
func (c *Config) GetQueryTimeout() time.Duration {
	return time.Duration(c.Device.QueryTimeout) * time.Second
}

// GetOperationDelay returns the simulator's per-operation delay as a Duration.
func (c *Config) GetOperationDelay() time.Duration {
	return time.Duration(c.Device.Simulator.OperationDelay) * time.Millisecond
}
