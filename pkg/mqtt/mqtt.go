package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options holds the broker connection settings.
type Options struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	CACertificate string // Path to a PEM CA bundle, empty for the system pool
	ConnectWait   time.Duration
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client mqtt.Client
}

// NewMqttService creates a new MqttService instance.
func NewMqttService() *MqttService {
	return &MqttService{}
}

// Initialize sets up the MQTT client and connects to the broker.
func (s *MqttService) Initialize(opts Options) error {
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	if opts.CACertificate != "" {
		caCert, err := os.ReadFile(opts.CACertificate)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("no certificates found in %s", opts.CACertificate)
		}
		clientOpts.SetTLSConfig(&tls.Config{
			RootCAs:    caCertPool,
			MinVersion: tls.VersionTLS12,
		})
	}

	s.client = mqtt.NewClient(clientOpts)

	wait := opts.ConnectWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	token := s.Connect()
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("timed out connecting to %s", opts.Broker)
	}
	return token.Error()
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	if s.client != nil {
		s.client.Disconnect(quiesce)
	}
}
