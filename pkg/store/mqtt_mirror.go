package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/benmeehan/tracker-relay/pkg/mqtt"
)

// MirrorStore forwards writes to another Store and, once a write succeeds,
// publishes the merged fields to "<topic>/<collection>/<key>".
type MirrorStore struct {
	next           Store
	mqttClient     mqtt.MQTTClient
	topic          string
	qos            int
	retained       bool
	publishTimeout time.Duration
	logger         zerolog.Logger
}

// NewMirrorStore wraps next.
func NewMirrorStore(next Store, mqttClient mqtt.MQTTClient, topic string, qos int, retained bool,
	publishTimeout time.Duration, logger zerolog.Logger) *MirrorStore {
	return &MirrorStore{
		next:           next,
		mqttClient:     mqttClient,
		topic:          topic,
		qos:            qos,
		retained:       retained,
		publishTimeout: publishTimeout,
		logger:         logger,
	}
}

// Upsert writes to the wrapped store first. A failed publish is logged but
// does not fail the write.
func (m *MirrorStore) Upsert(ctx context.Context, collection, key string, fields Document) error {
	if err := m.next.Upsert(ctx, collection, key, fields); err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s/%s", m.topic, collection, key)
	payload, err := json.Marshal(fields)
	if err != nil {
		m.logger.Error().Err(err).Str("topic", topic).Msg("Failed to serialize mirrored document")
		return nil
	}

	token := m.mqttClient.Publish(topic, byte(m.qos), m.retained, payload)
	if !token.WaitTimeout(m.publishTimeout) {
		m.logger.Warn().Str("topic", topic).Msg("Timed out publishing mirrored document")
		return nil
	}
	if err := token.Error(); err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish mirrored document")
	}
	return nil
}

// Get delegates to the wrapped store when it can read.
func (m *MirrorStore) Get(ctx context.Context, collection, key string) (Document, error) {
	reader, ok := m.next.(Reader)
	if !ok {
		return nil, fmt.Errorf("store %T does not support reads", m.next)
	}
	return reader.Get(ctx, collection, key)
}

// Close closes the wrapped store. The MQTT client is owned by the caller.
func (m *MirrorStore) Close() error {
	return m.next.Close()
}
