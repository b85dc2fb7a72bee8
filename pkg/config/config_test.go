package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SKYDUEL_CONFIG_FILE", "/nonexistent/config.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, ":8080", cfg.API.ListenAddress)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Broker.URL)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "full", cfg.Supervisor.ActiveProfile)
	assert.Equal(t, 10_000, cfg.Supervisor.ShutdownTimeoutMs)
	assert.Equal(t, 3*time.Second, cfg.WebSocket.StatePushInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.HeartbeatTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Alerting.Enabled)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.Upstreams.ChainRPCURL)
	assert.Equal(t, 10*time.Second, cfg.Upstreams.RequestTimeout)
	assert.Empty(t, cfg.Upstreams.TrackedWallets)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SKYDUEL_CONFIG_FILE", "/nonexistent/config.yaml")
	t.Setenv("SKYDUEL_ENVIRONMENT", "production")
	t.Setenv("SKYDUEL_API_LISTEN_ADDRESS", ":9090")
	t.Setenv("SKYDUEL_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":9090", cfg.API.ListenAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_DockerStyleNames(t *testing.T) {
	t.Setenv("SKYDUEL_CONFIG_FILE", "/nonexistent/config.yaml")
	t.Setenv("BROKER_URL", "redis://broker:6379/1")
	t.Setenv("DATABASE_URL", "postgres://db:5432/skyduel")
	t.Setenv("ACTIVE_PROFILE", "core")
	t.Setenv("DEBUG_FLAGS", "verbose-init, service-registration")
	t.Setenv("SHUTDOWN_TIMEOUT_MS", "2500")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CHAIN_RPC_URL", "https://rpc.internal:8899")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://broker:6379/1", cfg.Broker.URL)
	assert.Equal(t, "postgres://db:5432/skyduel", cfg.Database.URL)
	assert.Equal(t, "https://rpc.internal:8899", cfg.Upstreams.ChainRPCURL)
	assert.Equal(t, "core", cfg.Supervisor.ActiveProfile)
	assert.Equal(t, 2500, cfg.Supervisor.ShutdownTimeoutMs)
	assert.Equal(t, "test-secret", cfg.WebSocket.JWTSecret)
	assert.True(t, cfg.HasDebugFlag(DebugVerboseInit))
	assert.True(t, cfg.HasDebugFlag(DebugServiceRegistration))
	assert.False(t, cfg.HasDebugFlag("trace-everything"))
}

func TestConfig_IsServiceDisabled(t *testing.T) {
	cfg := &Config{
		Supervisor: SupervisorConfig{
			ActiveProfile: "core",
			Profiles: map[string][]string{
				"full": {},
				"core": {"contest-scheduler", "wallet-tracker"},
			},
		},
	}

	t.Run("Disabled by active profile", func(t *testing.T) {
		assert.True(t, cfg.IsServiceDisabled("contest-scheduler"))
		assert.True(t, cfg.IsServiceDisabled("wallet-tracker"))
	})

	t.Run("Not listed stays enabled", func(t *testing.T) {
		assert.False(t, cfg.IsServiceDisabled("market-data"))
	})

	t.Run("Unknown profile disables nothing", func(t *testing.T) {
		cfg := &Config{Supervisor: SupervisorConfig{ActiveProfile: "missing"}}
		assert.False(t, cfg.IsServiceDisabled("contest-scheduler"))
	})
}

func TestConfig_ShutdownTimeout(t *testing.T) {
	cfg := &Config{Supervisor: SupervisorConfig{ShutdownTimeoutMs: 2500}}
	assert.Equal(t, 2500*time.Millisecond, cfg.ShutdownTimeout())

	cfg.Supervisor.ShutdownTimeoutMs = 0
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())

	cfg.Supervisor.ShutdownTimeoutMs = -5
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
}

func TestConfig_IsNoisyService(t *testing.T) {
	cfg := &Config{Supervisor: SupervisorConfig{NoisyServices: []string{"market-data"}}}
	assert.True(t, cfg.IsNoisyService("market-data"))
	assert.False(t, cfg.IsNoisyService("chain-monitor"))
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, SplitCSV(""))
	assert.Equal(t, []string{"a", "b"}, SplitCSV("a,b"))
	assert.Equal(t, []string{"a", "b"}, SplitCSV(" a , b , "))
}

func TestConfig_AllowedOrigins(t *testing.T) {
	cfg := &Config{API: APIConfig{AllowedOrigins: "https://admin.example.com, https://ops.example.com"}}
	assert.Equal(t, []string{"https://admin.example.com", "https://ops.example.com"}, cfg.AllowedOrigins())

	cfg.API.AllowedOrigins = ""
	assert.Nil(t, cfg.AllowedOrigins())
}
