// Package config loads the supervisor configuration from an optional
// YAML file and environment variables. Docker-style names (BROKER_URL,
// DATABASE_URL, ACTIVE_PROFILE, ...) are bound explicitly; everything
// else follows the SKYDUEL_ prefix. Unknown keys are ignored.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/skyduel/skyduel/pkg/observability"
)

// Debug flag toggles recognized in DEBUG_FLAGS
const (
	DebugVerboseInit         = "verbose-init"
	DebugServiceRegistration = "service-registration"
)

// APIConfig defines the HTTP server configuration
type APIConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins string        `mapstructure:"allowed_origins"`
}

// WebSocketConfig holds the control surface configuration
type WebSocketConfig struct {
	MaxMessageSize          int64         `mapstructure:"max_message_size"`
	SendBufferSize          int           `mapstructure:"send_buffer_size"`
	PingInterval            time.Duration `mapstructure:"ping_interval"`
	HeartbeatTimeout        time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatSweepInterval  time.Duration `mapstructure:"heartbeat_sweep_interval"`
	StatePushInterval       time.Duration `mapstructure:"state_push_interval"`
	GlobalHeartbeatInterval time.Duration `mapstructure:"global_heartbeat_interval"`
	RateLimit               float64       `mapstructure:"rate_limit"`
	RateBurst               int           `mapstructure:"rate_burst"`
	JWTSecret               string        `mapstructure:"jwt_secret"`
}

// BrokerConfig holds the pub/sub broker connection settings
type BrokerConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the settings store connection
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SupervisorConfig holds orchestrator-level settings
type SupervisorConfig struct {
	ActiveProfile     string              `mapstructure:"active_profile"`
	DebugFlags        string              `mapstructure:"debug_flags"`
	ShutdownTimeoutMs int                 `mapstructure:"shutdown_timeout_ms"`
	Profiles          map[string][]string `mapstructure:"profiles"`
	NoisyServices     []string            `mapstructure:"noisy_services"`
}

// AlertingConfig holds the operator alerting settings
type AlertingConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	Channel         string `mapstructure:"channel"`
}

// UpstreamsConfig holds the endpoints the leaf services poll
type UpstreamsConfig struct {
	ChainRPCURL    string        `mapstructure:"chain_rpc_url"`
	PriceFeedURL   string        `mapstructure:"price_feed_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TrackedWallets []string      `mapstructure:"tracked_wallets"`
}

// Config holds the complete supervisor configuration
type Config struct {
	Environment string                      `mapstructure:"environment"`
	API         APIConfig                   `mapstructure:"api"`
	WebSocket   WebSocketConfig             `mapstructure:"websocket"`
	Broker      BrokerConfig                `mapstructure:"broker"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Supervisor  SupervisorConfig            `mapstructure:"supervisor"`
	Alerting    AlertingConfig              `mapstructure:"alerting"`
	Upstreams   UpstreamsConfig             `mapstructure:"upstreams"`
	Logging     observability.LoggingConfig `mapstructure:"logging"`
	Metrics     observability.MetricsConfig `mapstructure:"metrics"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("SKYDUEL_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	// Read from environment variables prefixed with SKYDUEL_
	v.SetEnvPrefix("SKYDUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind the plain names commonly set in Docker environments
	_ = v.BindEnv("broker.url", "BROKER_URL")
	_ = v.BindEnv("broker.url", "REDIS_URL")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("api.allowed_origins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("supervisor.active_profile", "ACTIVE_PROFILE")
	_ = v.BindEnv("supervisor.debug_flags", "DEBUG_FLAGS")
	_ = v.BindEnv("supervisor.shutdown_timeout_ms", "SHUTDOWN_TIMEOUT_MS")
	_ = v.BindEnv("websocket.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("alerting.slack_webhook_url", "SLACK_WEBHOOK_URL")
	_ = v.BindEnv("upstreams.chain_rpc_url", "CHAIN_RPC_URL")
	_ = v.BindEnv("upstreams.price_feed_url", "PRICE_FEED_URL")

	v.AllowEmptyEnv(true)

	// Config file is not required if environment variables are set
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(configFile); statErr == nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.allowed_origins", "")

	// Control surface defaults
	v.SetDefault("websocket.max_message_size", int64(64*1024))
	v.SetDefault("websocket.send_buffer_size", 256)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.heartbeat_timeout", 60*time.Second)
	v.SetDefault("websocket.heartbeat_sweep_interval", 30*time.Second)
	v.SetDefault("websocket.state_push_interval", 3*time.Second)
	v.SetDefault("websocket.global_heartbeat_interval", 5*time.Second)
	v.SetDefault("websocket.rate_limit", 20.0)
	v.SetDefault("websocket.rate_burst", 40)
	v.SetDefault("websocket.jwt_secret", "")

	// Broker defaults
	v.SetDefault("broker.url", "redis://localhost:6379/0")
	v.SetDefault("broker.dial_timeout", 5*time.Second)
	v.SetDefault("broker.read_timeout", 3*time.Second)
	v.SetDefault("broker.write_timeout", 3*time.Second)

	// Database defaults
	v.SetDefault("database.url", "postgres://localhost:5432/skyduel?sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.migrations_path", "migrations/sql")

	// Supervisor defaults
	v.SetDefault("supervisor.active_profile", "full")
	v.SetDefault("supervisor.debug_flags", "")
	v.SetDefault("supervisor.shutdown_timeout_ms", 10_000)
	v.SetDefault("supervisor.profiles", map[string][]string{
		"full": {},
		"core": {"contest-scheduler", "wallet-tracker"},
	})
	v.SetDefault("supervisor.noisy_services", []string{"market-data", "wallet-tracker"})

	// Alerting defaults
	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.slack_webhook_url", "")
	v.SetDefault("alerting.channel", "#service-alerts")

	// Upstream defaults
	v.SetDefault("upstreams.chain_rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("upstreams.price_feed_url", "")
	v.SetDefault("upstreams.request_timeout", 10*time.Second)
	v.SetDefault("upstreams.tracked_wallets", []string{})

	// Observability defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "skyduel")
	v.SetDefault("metrics.subsystem", "supervisor")
}

// ShutdownTimeout returns the per-service cleanup timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Supervisor.ShutdownTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Supervisor.ShutdownTimeoutMs) * time.Millisecond
}

// AllowedOrigins returns the parsed origin allowlist.
func (c *Config) AllowedOrigins() []string {
	return SplitCSV(c.API.AllowedOrigins)
}

// HasDebugFlag reports whether the given toggle is present in DEBUG_FLAGS.
func (c *Config) HasDebugFlag(flag string) bool {
	for _, f := range SplitCSV(c.Supervisor.DebugFlags) {
		if f == flag {
			return true
		}
	}
	return false
}

// IsServiceDisabled reports whether the active profile disables the
// named service.
func (c *Config) IsServiceDisabled(name string) bool {
	disabled, ok := c.Supervisor.Profiles[c.Supervisor.ActiveProfile]
	if !ok {
		return false
	}
	for _, d := range disabled {
		if d == name {
			return true
		}
	}
	return false
}

// IsNoisyService reports whether the named service's persisted state is
// reduced to a status digest.
func (c *Config) IsNoisyService(name string) bool {
	for _, n := range c.Supervisor.NoisyServices {
		if n == name {
			return true
		}
	}
	return false
}

// SplitCSV splits a comma-separated value into trimmed non-empty parts.
func SplitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
