// Package mqtt publishes card scans to an MQTT broker.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

const publishTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker does not acknowledge a
// scan in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Config holds MQTT connection settings. Publishing is disabled while
// Host is empty.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	ClientID   string `yaml:"client_id"`
	Topic      string `yaml:"topic"`
}

// ScanEvent is the JSON payload published for every card read.
type ScanEvent struct {
	ID     string    `json:"id"`
	UID    string    `json:"uid"`
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
}

// client is the part of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher is an output sink sending every identifier to the broker.
type Publisher struct {
	client   client
	clientID string
	topic    string
	status   string
	enabled  bool
	now      func() time.Time
}

// New creates a publisher. Returns a disabled no-op publisher if host is empty.
func New(cfg Config) (*Publisher, error) {
	p := &Publisher{now: time.Now}

	// If no host configured, return disabled publisher
	if cfg.Host == "" {
		logging.Debug(logging.CatMQTT, "MQTT disabled (no host configured)", nil)
		return p, nil
	}

	p.enabled = true
	p.clientID = cfg.ClientID
	if p.clientID == "" {
		p.clientID = defaultClientID()
	}
	p.topic = cfg.Topic
	if p.topic == "" {
		p.topic = "nfc-wedge/" + p.clientID + "/scan"
	}
	p.status = "nfc-wedge/" + p.clientID + "/status"

	broker, tlsConfig, err := brokerURL(cfg)
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(p.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60*time.Second).
		SetWill(p.status, "offline", 1, true).
		SetConnectionLostHandler(p.handleConnectionLost).
		SetOnConnectHandler(p.handleConnect)

	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	p.client = paho.NewClient(opts)

	paho.ERROR = pahoLogger{level: logging.LevelError}
	paho.CRITICAL = pahoLogger{level: logging.LevelError}
	paho.WARN = pahoLogger{level: logging.LevelWarn}

	return p, nil
}

func defaultClientID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "nfc-wedge-" + host
	}
	return "nfc-wedge-" + uuid.NewString()[:8]
}

func brokerURL(cfg Config) (string, *tls.Config, error) {
	if cfg.CACert != "" || cfg.ClientCert != "" {
		port := cfg.Port
		if port == 0 {
			port = 8883 // Default TLS MQTT port
		}
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return "", nil, fmt.Errorf("build TLS config: %w", err)
		}
		return fmt.Sprintf("ssl://%s:%d", cfg.Host, port), tlsConfig, nil
	}

	port := cfg.Port
	if port == 0 {
		port = 1883 // Default non-TLS MQTT port
	}
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, port), nil, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// Load CA cert if provided
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = caPool
	}

	// Load client cert if provided
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Connect starts connecting to the broker in the background. Scans
// published before the connection is up are queued by the client.
func (p *Publisher) Connect() {
	if !p.enabled {
		return
	}
	token := p.client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			logging.Error(logging.CatMQTT, "MQTT connect failed", map[string]any{
				"error": token.Error().Error(),
			})
		}
	}()
}

// Disconnect disconnects from the MQTT broker. No-op if disabled.
func (p *Publisher) Disconnect() {
	if !p.enabled || p.client == nil {
		return
	}
	p.client.Publish(p.status, 1, true, "offline").WaitTimeout(time.Second)
	p.client.Disconnect(250)
}

// IsEnabled returns whether MQTT is enabled.
func (p *Publisher) IsEnabled() bool {
	return p.enabled
}

// Topic returns the scan topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// Deliver publishes one scan and waits for the broker to take it.
func (p *Publisher) Deliver(uid string) error {
	if !p.enabled {
		return nil
	}

	payload, err := json.Marshal(ScanEvent{
		ID:     uuid.NewString(),
		UID:    uid,
		Time:   p.now().UTC(),
		Source: p.clientID,
	})
	if err != nil {
		return fmt.Errorf("encode scan event: %w", err)
	}

	token := p.client.Publish(p.topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	logging.Debug(logging.CatMQTT, "Scan published", map[string]any{
		"topic": p.topic,
		"uid":   uid,
	})
	return nil
}

func (p *Publisher) handleConnect(c paho.Client) {
	logging.Info(logging.CatMQTT, "MQTT connection established", map[string]any{
		"clientId": p.clientID,
	})
	c.Publish(p.status, 1, true, "online")
}

func (p *Publisher) handleConnectionLost(_ paho.Client, err error) {
	logging.Warn(logging.CatMQTT, "MQTT connection lost", map[string]any{
		"error": err.Error(),
	})
}

// pahoLogger routes the client library's diagnostics into our logger.
type pahoLogger struct {
	level logging.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	logging.Get().Log(l.level, logging.CatMQTT, strings.TrimSuffix(fmt.Sprintln(v...), "\n"), nil)
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	logging.Get().Log(l.level, logging.CatMQTT, fmt.Sprintf(format, v...), nil)
}
