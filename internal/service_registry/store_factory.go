package service_registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tracker-relay/internal/constants"
	"github.com/benmeehan/tracker-relay/internal/utils"
	"github.com/benmeehan/tracker-relay/pkg/mqtt"
	"github.com/benmeehan/tracker-relay/pkg/store"
)

// OpenStore opens the configured store backend. When the MQTT mirror is
// enabled the backend is wrapped so merged partials are also published.
func OpenStore(ctx context.Context, config *utils.Config, mqttClient mqtt.MQTTClient, logger zerolog.Logger) (store.Store, error) {
	var (
		backend store.Store
		err     error
	)

	cfg := config.Store
	switch cfg.Driver {
	case constants.StoreDriverMemory:
		backend = store.NewMemoryStore()
	case constants.StoreDriverFirestore:
		backend, err = store.OpenFirestoreStore(ctx, cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile)
	case constants.StoreDriverRedis:
		backend, err = store.DialRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case constants.StoreDriverBadger:
		backend, err = store.OpenBadgerStore(cfg.Badger.Path)
	case constants.StoreDriverPostgres:
		backend, err = store.OpenPostgresStore(cfg.Postgres.DSN, cfg.Collection)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	logger.Info().Str("driver", cfg.Driver).Str("collection", cfg.Collection).Msg("Store opened")

	mirror := config.Services.Mirror
	if !mirror.Enabled {
		return backend, nil
	}
	if mqttClient == nil {
		_ = backend.Close()
		return nil, errors.New("store mirror enabled without an MQTT client")
	}
	return store.NewMirrorStore(backend, mqttClient, mirror.Topic, mirror.QOS, mirror.Retained,
		mirror.PublishTimeout, logger.With().Str("component", "mirror").Logger()), nil
}
