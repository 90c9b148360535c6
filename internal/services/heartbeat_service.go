package services

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"

	"github.com/benmeehan/tracker-relay/internal/constants"
	"github.com/benmeehan/tracker-relay/internal/models"
	"github.com/benmeehan/tracker-relay/pkg/mqtt"
)

// StatusSource reports the live state of the stream.
type StatusSource interface {
	State() constants.StreamState
	Connections() uint64
	Frames() uint64
}

// HeartbeatService periodically publishes the relay status over MQTT.
type HeartbeatService struct {
	PubTopic   string
	Interval   time.Duration
	InstanceID string
	QOS        int
	Source     StatusSource
	MqttClient mqtt.MQTTClient
	Logger     zerolog.Logger

	proc   *process.Process
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatService initializes a new HeartbeatService.
func NewHeartbeatService(pubTopic string, interval time.Duration, instanceID string,
	qos int, source StatusSource, mqttClient mqtt.MQTTClient, logger zerolog.Logger) *HeartbeatService {

	return &HeartbeatService{
		PubTopic:   pubTopic,
		Interval:   interval,
		InstanceID: instanceID,
		QOS:        qos,
		Source:     source,
		MqttClient: mqttClient,
		Logger:     logger,
	}
}

// Start launches the heartbeat loop in a separate goroutine.
func (h *HeartbeatService) Start() error {
	if h.ctx != nil {
		h.Logger.Warn().Msg("HeartbeatService is already running")
		return errors.New("heartbeat service is already running")
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		h.Logger.Warn().Err(err).Msg("Process metrics unavailable")
	}
	h.proc = proc

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runHeartbeatLoop()
	}()

	h.Logger.Info().Str("topic", h.PubTopic).Msg("HeartbeatService started successfully")
	return nil
}

// Stop gracefully stops the heartbeat service.
func (h *HeartbeatService) Stop() error {
	if h.ctx == nil {
		h.Logger.Warn().Msg("HeartbeatService is not running")
		return errors.New("heartbeat service is not running")
	}

	h.cancel()
	h.wg.Wait()

	h.ctx = nil
	h.cancel = nil

	h.Logger.Info().Msg("HeartbeatService stopped successfully")
	return nil
}

// runHeartbeatLoop sends a status message at every tick.
func (h *HeartbeatService) runHeartbeatLoop() {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.publish(h.status())

		case <-h.ctx.Done():
			h.Logger.Info().Msg("HeartbeatService stopping gracefully")
			return
		}
	}
}

func (h *HeartbeatService) status() models.RelayStatus {
	status := models.RelayStatus{
		InstanceID:  h.InstanceID,
		Timestamp:   time.Now().UTC(),
		State:       h.Source.State(),
		Connections: h.Source.Connections(),
		Frames:      h.Source.Frames(),
	}

	if h.proc != nil {
		if mem, err := h.proc.MemoryInfo(); err == nil {
			status.RSSBytes = mem.RSS
		} else {
			h.Logger.Debug().Err(err).Msg("Failed to read memory usage")
		}
		if cpu, err := h.proc.CPUPercent(); err == nil {
			status.CPUPercent = cpu
		} else {
			h.Logger.Debug().Err(err).Msg("Failed to read CPU usage")
		}
	}
	return status
}

func (h *HeartbeatService) publish(status models.RelayStatus) {
	payload, err := json.Marshal(status)
	if err != nil {
		h.Logger.Error().Err(err).Msg("Failed to serialize heartbeat message")
		return
	}

	token := h.MqttClient.Publish(h.PubTopic, byte(h.QOS), false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		h.Logger.Error().Err(err).Msg("Failed to publish heartbeat message")
	} else {
		h.Logger.Debug().Str("state", string(status.State)).Msg("Heartbeat published successfully")
	}
}
