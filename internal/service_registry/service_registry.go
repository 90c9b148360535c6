package service_registry

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tracker-relay/internal/reconciler"
	"github.com/benmeehan/tracker-relay/internal/server"
	"github.com/benmeehan/tracker-relay/internal/services"
	"github.com/benmeehan/tracker-relay/internal/utils"
	"github.com/benmeehan/tracker-relay/pkg/mqtt"
	"github.com/benmeehan/tracker-relay/pkg/store"
	"github.com/benmeehan/tracker-relay/pkg/traccar"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]Service // Stores registered services
	serviceKeys []string           // Maintains order of service registration
	mqttClient  mqtt.MQTTClient    // Nil when no service needs a broker
	store       store.Store
	Logger      zerolog.Logger

	stream *services.StreamService
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, s store.Store, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]Service),
		mqttClient: mqttClient,
		store:      s,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// Stream returns the registered stream service, or nil.
func (sr *ServiceRegistry) Stream() *services.StreamService {
	return sr.stream
}

// RegisterServices initializes and registers enabled services based on configuration.
// The stream is always registered first since the others report on it.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, instanceID string) error {
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (Service, error)
	}{
		{
			name:    "stream",
			enabled: true,
			constructor: func() (Service, error) {
				client, err := traccar.NewClient(config.Traccar.URL, nil,
					config.Traccar.RequestTimeout, config.Traccar.HandshakeTimeout)
				if err != nil {
					return nil, err
				}

				logger := sr.Logger.With().Str("component", "stream").Logger()
				rec := reconciler.NewReconciler(sr.store, config.Store.Collection,
					sr.Logger.With().Str("component", "reconciler").Logger())

				sr.stream = services.NewStreamService(services.StreamConfig{
					Credentials: traccar.Credentials{
						Email:    config.Traccar.Email,
						Password: config.Traccar.Password,
					},
					ReconnectDelay:     config.Traccar.ReconnectDelay,
					ReadTimeout:        config.Traccar.ReadTimeout,
					WriteTimeout:       config.Store.WriteTimeout,
					DrainTimeout:       config.Store.DrainTimeout,
					Workers:            config.Store.Workers,
					CheckServerVersion: config.Traccar.CheckServerVersion,
				}, client, client, rec, logger)
				return sr.stream, nil
			},
		},
		{
			name:    "heartbeat",
			enabled: config.Services.Heartbeat.Enabled,
			constructor: func() (Service, error) {
				if sr.mqttClient == nil {
					return nil, errors.New("heartbeat requires an MQTT client")
				}
				return services.NewHeartbeatService(
					config.Services.Heartbeat.Topic,
					config.Services.Heartbeat.Interval,
					instanceID,
					config.Services.Heartbeat.QOS,
					sr.stream,
					sr.mqttClient,
					sr.Logger.With().Str("component", "heartbeat").Logger(),
				), nil
			},
		},
		{
			name:    "server",
			enabled: config.Server.Enabled,
			constructor: func() (Service, error) {
				return server.NewOpsServer(config.Server.Address, sr.stream,
					sr.Logger.With().Str("component", "server").Logger()), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
