package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tracker-relay/internal/constants"
)

var relayEnv = []string{"TRACCAR_URL", "TRACCAR_USERNAME", "TRACCAR_PASSWORD", "FIREBASE_SERVICE_ACCOUNT_KEY",
	"FIREBASE_PROJECT_ID", "REDIS_ADDR", "REDIS_PASSWORD", "POSTGRES_DSN", "MQTT_PASSWORD", "LOG_LEVEL", "PORT"}

// clearRelayEnv blanks every mapped variable; empty values are skipped by the loader.
func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, name := range relayEnv {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validConfig() *Config {
	c := DefaultConfig()
	c.Traccar.URL = "https://demo4.traccar.org"
	c.Traccar.Email = "ops@example.com"
	c.Traccar.Password = "secret"
	return c
}

func TestLoadConfig_FileEnvAndDefaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("TRACCAR_PASSWORD", "from-env")
	t.Setenv("PORT", "9090")

	path := writeConfig(t, `
traccar:
  url: https://demo4.traccar.org
  email: ops@example.com
  password: from-file
  reconnect_delay: 2s
store:
  driver: badger
logging:
  format: console
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", config.Traccar.Password)
	assert.Equal(t, 2*time.Second, config.Traccar.ReconnectDelay)
	assert.Equal(t, constants.DefaultAuthTimeout, config.Traccar.RequestTimeout)
	assert.Equal(t, constants.StoreDriverBadger, config.Store.Driver)
	assert.Equal(t, constants.DevicesCollection, config.Store.Collection)
	assert.Equal(t, constants.DefaultWriteWorkers, config.Store.Workers)
	assert.Equal(t, constants.DefaultWriteTimeout, config.Store.WriteTimeout)
	assert.Equal(t, constants.DefaultDrainTimeout, config.Store.DrainTimeout)
	assert.True(t, config.Server.Enabled)
	assert.Equal(t, ":9090", config.Server.Address)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "console", config.Logging.Format)
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("TRACCAR_URL", "http://localhost:8082")
	t.Setenv("TRACCAR_USERNAME", "admin")
	t.Setenv("TRACCAR_PASSWORD", "admin")
	t.Setenv("FIREBASE_SERVICE_ACCOUNT_KEY", "/etc/relay/key.json")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8082", config.Traccar.URL)
	assert.Equal(t, "admin", config.Traccar.Email)
	assert.Equal(t, "/etc/relay/key.json", config.Store.Firestore.CredentialsFile)
	assert.Empty(t, config.Store.Redis.Password)
	assert.False(t, config.Server.Enabled)
	assert.Equal(t, ":8080", config.Server.Address)
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	clearRelayEnv(t)
	path := writeConfig(t, `
traccar:
  url: https://demo4.traccar.org
  email: ops@example.com
  password: secret
  reconect_delay: 2s
`)

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "reconect_delay")
}

func TestLoadConfig_RejectsBadPort(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("TRACCAR_URL", "http://localhost:8082")
	t.Setenv("TRACCAR_USERNAME", "admin")
	t.Setenv("TRACCAR_PASSWORD", "admin")
	t.Setenv("PORT", "http")

	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "port")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearRelayEnv(t)

	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Nil(t, config)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnvTransform(t *testing.T) {
	key, value := envTransform("TRACCAR_USERNAME", "admin")
	assert.Equal(t, "traccar.email", key)
	assert.Equal(t, "admin", value)

	key, _ = envTransform("PORT", "8080")
	assert.Equal(t, "server.port", key)

	key, _ = envTransform("REDIS_PASSWORD", "")
	assert.Empty(t, key)

	key, _ = envTransform("HOME", "/root")
	assert.Empty(t, key)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.Traccar.URL = "" }, wantErr: "traccar.url"},
		{name: "missing password", mutate: func(c *Config) { c.Traccar.Password = "" }, wantErr: "traccar.email"},
		{name: "zero delay", mutate: func(c *Config) { c.Traccar.ReconnectDelay = 0 }, wantErr: "traccar.reconnect_delay"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: `unknown store.driver "mongo"`},
		{name: "redis without addr", mutate: func(c *Config) { c.Store.Driver = constants.StoreDriverRedis }, wantErr: "store.redis.addr"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = constants.StoreDriverPostgres }, wantErr: "store.postgres.dsn"},
		{name: "firestore without credentials", mutate: func(c *Config) { c.Store.Driver = constants.StoreDriverFirestore }, wantErr: "store.firestore"},
		{name: "heartbeat without broker", mutate: func(c *Config) { c.Services.Heartbeat.Enabled = true }, wantErr: "mqtt.broker"},
		{name: "bad qos", mutate: func(c *Config) { c.Services.Mirror.QOS = 3 }, wantErr: "qos"},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsAllProblems(t *testing.T) {
	err := DefaultConfig().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traccar.url")
	assert.Contains(t, err.Error(), "traccar.email")
}

func TestYAMLParser(t *testing.T) {
	out, err := YAMLParser().Unmarshal([]byte("store:\n  driver: redis\n  workers: 2\n"))
	require.NoError(t, err)

	store, ok := out["store"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "redis", store["driver"])
	assert.Equal(t, 2, store["workers"])

	_, err = YAMLParser().Unmarshal([]byte("store: [unterminated"))
	assert.Error(t, err)
}
