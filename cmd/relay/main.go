package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/tracker-relay/internal/service_registry"
	"github.com/benmeehan/tracker-relay/internal/utils"
	"github.com/benmeehan/tracker-relay/pkg/mqtt"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	config, err := utils.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	instanceID := uuid.New().String()
	log = utils.NewLogger(config.Logging.Level, config.Logging.Format).
		With().Str("instance", instanceID).Logger()

	// Initialize the shared MQTT connection only when something publishes
	var mqttClient mqtt.MQTTClient
	if config.MQTTRequired() {
		clientID := config.MQTT.ClientID + "-" + instanceID
		log.Info().Str("client_id", clientID).Msg("Using MQTT client ID")

		mqttService := mqtt.NewMqttService()
		err = mqttService.Initialize(mqtt.Options{
			Broker:        config.MQTT.Broker,
			ClientID:      clientID,
			Username:      config.MQTT.Username,
			Password:      config.MQTT.Password,
			CACertificate: config.MQTT.CACertificate,
			ConnectWait:   10 * time.Second,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
		}
		defer mqttService.Disconnect(250)
		mqttClient = mqttService
	}

	openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	deviceStore, err := service_registry.OpenStore(openCtx, config, mqttClient, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := deviceStore.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	serviceRegistry := service_registry.NewServiceRegistry(mqttClient, deviceStore, log)
	if err := serviceRegistry.RegisterServices(config, instanceID); err != nil {
		log.Fatal().Err(err).Msg("Failed to register services")
	}
	if err := serviceRegistry.StartServices(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start services")
	}
	log.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		log.Error().Err(err).Msg("Some services failed to stop")
	}
}
