package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/benmeehan/tracker-relay/internal/constants"
)

// Config represents the structure of the configuration file.
type Config struct {
	Traccar struct {
		URL                string        `koanf:"url"`                  // Base URL of the tracking service
		Email              string        `koanf:"email"`                // Operator account email
		Password           string        `koanf:"password"`             // Operator account password
		ReconnectDelay     time.Duration `koanf:"reconnect_delay"`      // Flat delay between reconnect cycles
		RequestTimeout     time.Duration `koanf:"request_timeout"`      // Timeout for session and server requests
		HandshakeTimeout   time.Duration `koanf:"handshake_timeout"`    // Timeout for the websocket upgrade
		ReadTimeout        time.Duration `koanf:"read_timeout"`         // Max silence on the socket, 0 disables
		CheckServerVersion bool          `koanf:"check_server_version"` // Warn when the server is older than supported
	} `koanf:"traccar"`

	Store struct {
		Driver       string        `koanf:"driver"`        // memory, firestore, redis, badger or postgres
		Collection   string        `koanf:"collection"`    // Collection holding device documents
		Workers      int           `koanf:"workers"`       // Number of concurrent writers
		WriteTimeout time.Duration `koanf:"write_timeout"` // Timeout for one upsert
		DrainTimeout time.Duration `koanf:"drain_timeout"` // Max wait for queued writes on shutdown

		Firestore struct {
			ProjectID       string `koanf:"project_id"`       // Empty to detect from credentials
			CredentialsFile string `koanf:"credentials_file"` // Path to the service account key
		} `koanf:"firestore"`

		Redis struct {
			Addr     string `koanf:"addr"`
			Password string `koanf:"password"`
			DB       int    `koanf:"db"`
		} `koanf:"redis"`

		Badger struct {
			Path string `koanf:"path"` // Empty for an in-memory database
		} `koanf:"badger"`

		Postgres struct {
			DSN string `koanf:"dsn"`
		} `koanf:"postgres"`
	} `koanf:"store"`

	MQTT struct {
		Broker        string `koanf:"broker"`         // MQTT broker address
		ClientID      string `koanf:"client_id"`      // MQTT client ID prefix
		Username      string `koanf:"username"`       // Optional broker username
		Password      string `koanf:"password"`       // Optional broker password
		CACertificate string `koanf:"ca_certificate"` // Path to the CA certificate
	} `koanf:"mqtt"`

	Services struct {
		Mirror struct {
			Enabled        bool          `koanf:"enabled"`         // Publish merged partials over MQTT
			Topic          string        `koanf:"topic"`           // Topic prefix
			QOS            int           `koanf:"qos"`             // MQTT QoS level
			Retained       bool          `koanf:"retained"`        // Publish as retained messages
			PublishTimeout time.Duration `koanf:"publish_timeout"` // Max wait for a publish acknowledgement
		} `koanf:"mirror"`

		Heartbeat struct {
			Enabled  bool          `koanf:"enabled"`  // Enable/disable heartbeat service
			Topic    string        `koanf:"topic"`    // MQTT topic for relay status
			Interval time.Duration `koanf:"interval"` // Interval between heartbeats
			QOS      int           `koanf:"qos"`      // MQTT QoS level for heartbeat messages
		} `koanf:"heartbeat"`
	} `koanf:"services"`

	Server struct {
		Enabled bool   `koanf:"enabled"` // Serve /healthz and /metrics
		Address string `koanf:"address"` // Listen address
		Port    int    `koanf:"port"`    // Overrides address with ":<port>" and enables the server
	} `koanf:"server"`

	Logging struct {
		Level  string `koanf:"level"`  // trace, debug, info, warn, error
		Format string `koanf:"format"` // json or console
	} `koanf:"logging"`
}

// DefaultConfig returns the configuration used for every key the file and
// environment leave unset.
func DefaultConfig() *Config {
	var c Config
	c.Traccar.ReconnectDelay = constants.DefaultReconnectDelay
	c.Traccar.RequestTimeout = constants.DefaultAuthTimeout
	c.Traccar.HandshakeTimeout = constants.DefaultHandshakeTimeout
	c.Store.Driver = constants.StoreDriverMemory
	c.Store.Collection = constants.DevicesCollection
	c.Store.Workers = constants.DefaultWriteWorkers
	c.Store.WriteTimeout = constants.DefaultWriteTimeout
	c.Store.DrainTimeout = constants.DefaultDrainTimeout
	c.MQTT.ClientID = "tracker-relay"
	c.Services.Mirror.Topic = "tracker-relay"
	c.Services.Mirror.PublishTimeout = 5 * time.Second
	c.Services.Heartbeat.Topic = "tracker-relay/status"
	c.Services.Heartbeat.Interval = 30 * time.Second
	c.Server.Address = ":8080"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return &c
}

// LoadConfig layers defaults, the YAML file at filename (skipped when empty)
// and the environment, then validates the result. Unknown keys in the file
// are rejected.
func LoadConfig(filename string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if filename != "" {
		if err := k.Load(file.Provider(filename), YAMLParser()); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var config Config
	err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           &config,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if config.Server.Port != 0 {
		config.Server.Enabled = true
		config.Server.Address = ":" + strconv.Itoa(config.Server.Port)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// envMappings maps the supported environment variables to config keys.
var envMappings = map[string]string{
	"traccar_url":                  "traccar.url",
	"traccar_username":             "traccar.email",
	"traccar_password":             "traccar.password",
	"firebase_service_account_key": "store.firestore.credentials_file",
	"firebase_project_id":          "store.firestore.project_id",
	"redis_addr":                   "store.redis.addr",
	"redis_password":               "store.redis.password",
	"postgres_dsn":                 "store.postgres.dsn",
	"mqtt_password":                "mqtt.password",
	"log_level":                    "logging.level",
	"port":                         "server.port",
}

// envTransform maps an environment variable to its config key. Unmapped and
// empty variables are skipped.
func envTransform(key, value string) (string, interface{}) {
	if value == "" {
		return "", nil
	}
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped, value
	}
	return "", nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Traccar.URL == "" {
		errs = append(errs, errors.New("traccar.url is required"))
	}
	if c.Traccar.Email == "" || c.Traccar.Password == "" {
		errs = append(errs, errors.New("traccar.email and traccar.password are required"))
	}
	if c.Traccar.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("traccar.reconnect_delay must be positive"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}

	switch c.Store.Driver {
	case constants.StoreDriverMemory, constants.StoreDriverBadger:
	case constants.StoreDriverFirestore:
		if c.Store.Firestore.CredentialsFile == "" && c.Store.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("store.firestore needs credentials_file or project_id"))
		}
	case constants.StoreDriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	case constants.StoreDriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if (c.Services.Mirror.Enabled || c.Services.Heartbeat.Enabled) && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mirror or heartbeat is enabled"))
	}
	if c.Services.Mirror.QOS < 0 || c.Services.Mirror.QOS > 2 || c.Services.Heartbeat.QOS < 0 || c.Services.Heartbeat.QOS > 2 {
		errs = append(errs, errors.New("qos must be 0, 1 or 2"))
	}
	return errors.Join(errs...)
}

// MQTTRequired reports whether any enabled service needs a broker connection.
func (c *Config) MQTTRequired() bool {
	return c.Services.Mirror.Enabled || c.Services.Heartbeat.Enabled
}
