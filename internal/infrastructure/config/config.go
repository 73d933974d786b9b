package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, one field per YAML section.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Pool      PoolConfig      `yaml:"pool"`
	Drivers   DriversConfig   `yaml:"drivers"`
	Protocols ProtocolsConfig `yaml:"protocols"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies this gateway in logs, events and telemetry.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite settings. With Enabled false the registry
// lives in memory only and ids restart at 1 on every boot.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// DispatchConfig tunes command execution. Values are milliseconds.
type DispatchConfig struct {
	CommandTimeout int `yaml:"command_timeout_ms"`
	RetryDelay     int `yaml:"retry_delay_ms"`
}

// PoolConfig tunes the connection pool. Values are seconds.
type PoolConfig struct {
	DialTimeout int `yaml:"dial_timeout"`
	// IdleTimeout closes connections unused for this long. 0 keeps them forever.
	IdleTimeout int `yaml:"idle_timeout"`
	// WarmOnRegister dials a new actionner in the background right after
	// it is registered instead of on its first command.
	WarmOnRegister bool `yaml:"warm_on_register"`
}

// DriversConfig enables and configures each protocol driver.
type DriversConfig struct {
	Arduino ArduinoDriverConfig `yaml:"arduino"`
	SSH     SSHDriverConfig     `yaml:"ssh"`
	MQTT    MQTTDriverConfig    `yaml:"mqtt"`
	KNX     KNXDriverConfig     `yaml:"knx"`
	NATS    NATSDriverConfig    `yaml:"nats"`
}

// ArduinoDriverConfig configures the line-protocol driver.
type ArduinoDriverConfig struct {
	Enabled bool `yaml:"enabled"`
	// WriteTimeout bounds a single frame write, in milliseconds.
	WriteTimeout int `yaml:"write_timeout_ms"`
}

// SSHDriverConfig configures the SSH driver.
type SSHDriverConfig struct {
	Enabled        bool   `yaml:"enabled"`
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	Passphrase     string `yaml:"passphrase"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	// InsecureSkipHostKeyCheck disables host key verification. Lab use only.
	InsecureSkipHostKeyCheck bool `yaml:"insecure_skip_host_key_check"`
}

// MQTTDriverConfig configures request/reply over MQTT brokers.
type MQTTDriverConfig struct {
	Enabled  bool   `yaml:"enabled"`
	QoS      int    `yaml:"qos"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// KNXDriverConfig configures group writes through knxd.
type KNXDriverConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NATSDriverConfig configures request/reply over NATS.
type NATSDriverConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Token   string `yaml:"token"`
}

// ProtocolsConfig declares protocols beyond the compiled-in drivers.
type ProtocolsConfig struct {
	Extra []ProtocolDecl `yaml:"extra"`
}

// ProtocolDecl is one extra catalog entry. Actionners speaking it can be
// registered but their commands fail until a driver exists.
type ProtocolDecl struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Commands    []string `yaml:"commands"`
}

// MQTTConfig contains the event bus broker connection settings.
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

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for command telemetry.
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	AuthEnabled bool            `yaml:"auth_enabled"`
	JWT         JWTConfig       `yaml:"jwt"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// TokenTTL is the lifetime of tokens issued by -issue-token, in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// Load starts from Default, overlays the YAML file at path, then the
// HOMEGATE_SECTION_KEY environment variables (HOMEGATE_API_PORT and so on),
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with the built-in defaults. Every driver is
// enabled; persistence, MQTT events, InfluxDB and auth are opt-in except
// the SQLite registry.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "home",
			Name: "homegate",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/homegate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Dispatch: DispatchConfig{
			CommandTimeout: 5000,
			RetryDelay:     100,
		},
		Pool: PoolConfig{
			DialTimeout: 5,
		},
		Drivers: DriversConfig{
			Arduino: ArduinoDriverConfig{Enabled: true, WriteTimeout: 2000},
			SSH:     SSHDriverConfig{Enabled: true, User: "root"},
			MQTT:    MQTTDriverConfig{Enabled: true, QoS: 1, ClientID: "homegate-driver"},
			KNX:     KNXDriverConfig{Enabled: true},
			NATS:    NATSDriverConfig{Enabled: true, Name: "homegate"},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "homegate",
			},
			QoS:         1,
			TopicPrefix: "homegate",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 1456,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TokenTTL: 60 * 24 * 30,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             50,
			},
		},
	}
}

// applyEnvOverrides applies HOMEGATE_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"HOMEGATE_DATABASE_PATH":  &cfg.Database.Path,
		"HOMEGATE_API_HOST":       &cfg.API.Host,
		"HOMEGATE_MQTT_HOST":      &cfg.MQTT.Broker.Host,
		"HOMEGATE_MQTT_USERNAME":  &cfg.MQTT.Auth.Username,
		"HOMEGATE_MQTT_PASSWORD":  &cfg.MQTT.Auth.Password,
		"HOMEGATE_INFLUXDB_TOKEN": &cfg.InfluxDB.Token,
		"HOMEGATE_JWT_SECRET":     &cfg.Security.JWT.Secret,
		"HOMEGATE_LOG_LEVEL":      &cfg.Logging.Level,
		"HOMEGATE_SSH_KEY_PATH":   &cfg.Drivers.SSH.KeyPath,
		"HOMEGATE_NATS_TOKEN":     &cfg.Drivers.NATS.Token,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HOMEGATE_API_PORT":           &cfg.API.Port,
		"HOMEGATE_COMMAND_TIMEOUT_MS": &cfg.Dispatch.CommandTimeout,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("HOMEGATE_DATABASE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing HOMEGATE_DATABASE_ENABLED: %w", err)
		}
		cfg.Database.Enabled = b
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database.enabled is true")
	}

	if c.Dispatch.CommandTimeout <= 0 {
		errs = append(errs, "dispatch.command_timeout_ms must be positive")
	}
	if c.Dispatch.RetryDelay < 0 {
		errs = append(errs, "dispatch.retry_delay_ms must not be negative")
	}
	if c.Pool.DialTimeout <= 0 {
		errs = append(errs, "pool.dial_timeout must be positive")
	}
	if c.Pool.IdleTimeout < 0 {
		errs = append(errs, "pool.idle_timeout must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Drivers.MQTT.QoS < 0 || c.Drivers.MQTT.QoS > 2 {
		errs = append(errs, "drivers.mqtt.qos must be 0, 1, or 2")
	}
	if c.Drivers.SSH.Enabled && c.Drivers.SSH.KnownHostsPath == "" && !c.Drivers.SSH.InsecureSkipHostKeyCheck &&
		c.Drivers.SSH.KeyPath != "" {
		errs = append(errs, "drivers.ssh.known_hosts_path is required unless insecure_skip_host_key_check is set")
	}

	seen := map[string]bool{}
	for i, p := range c.Protocols.Extra {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			errs = append(errs, fmt.Sprintf("protocols.extra[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("protocols.extra[%d].name %q is declared twice", i, p.Name))
		}
		seen[name] = true
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// Tokens gate who can switch physical devices; a short secret makes them forgeable.
	const minJWTSecretLength = 32
	if c.Security.AuthEnabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when auth is enabled (set HOMEGATE_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "security.rate_limit.requests_per_minute must be positive when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CommandTimeout returns dispatch.command_timeout_ms as a Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Dispatch.CommandTimeout) * time.Millisecond
}

// RetryDelay returns dispatch.retry_delay_ms as a Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Dispatch.RetryDelay) * time.Millisecond
}

// DialTimeout returns pool.dial_timeout as a Duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Pool.DialTimeout) * time.Second
}

// IdleTimeout returns pool.idle_timeout as a Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Pool.IdleTimeout) * time.Second
}
