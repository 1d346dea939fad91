// Package notify connects the daemon to an MQTT broker. It listens for the
// device registration that carries the user identity and publishes every
// change of the reporting cadence.
package notify

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/shaunagostinho/geofenced/internal/report"
)

// ErrEmptyRegistration is returned for a registration without a user id.
var ErrEmptyRegistration = errors.New("registration carries no user id")

// Config holds the broker settings.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	Port        int    `yaml:"port" json:"port"`
	ClientID    string `yaml:"client_id" json:"clientId"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	DeviceID    string `yaml:"device_id" json:"deviceId"`
	QoS         int    `yaml:"qos" json:"qos"`
}

// DefaultConfig returns a disabled config pointing at a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:      "localhost",
		Port:        1883,
		TopicPrefix: "geofenced",
		DeviceID:    "default",
		QoS:         1,
	}
}

// Registration is the message published when the push service assigns ids.
type Registration struct {
	UserID         string `json:"userId"`
	RegistrationID string `json:"registrationId,omitempty"`
}

// StateMessage is published on every cadence change.
type StateMessage struct {
	DeviceID          string  `json:"deviceId"`
	CurrentIntervalMs int64   `json:"currentIntervalMs"`
	FastestIntervalMs int64   `json:"fastestIntervalMs"`
	DistanceToClosest float64 `json:"distanceToClosest"`
	Timestamp         int64   `json:"timestamp"`
}

// Notifier owns the MQTT session.
type Notifier struct {
	cfg        Config
	onIdentity func(userID string)
	connected  atomic.Bool

	mu     sync.Mutex
	client mqtt.Client
}

// New creates a notifier. onIdentity is called with every user id received
// on the registration topic.
func New(cfg Config, onIdentity func(userID string)) *Notifier {
	if cfg.ClientID == "" {
		cfg.ClientID = "geofenced-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "geofenced"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "default"
	}
	return &Notifier{cfg: cfg, onIdentity: onIdentity}
}

func (n *Notifier) RegistrationTopic() string {
	return fmt.Sprintf("%s/devices/%s/registration", n.cfg.TopicPrefix, n.cfg.DeviceID)
}

func (n *Notifier) StateTopic() string {
	return fmt.Sprintf("%s/devices/%s/interval", n.cfg.TopicPrefix, n.cfg.DeviceID)
}

// Connect dials the broker once. The client reconnects by itself after the
// first successful connection and resubscribes in the connect handler.
func (n *Notifier) Connect() error {
	if !n.cfg.Enabled {
		log.Printf("[mqtt] disabled")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", n.cfg.Broker, n.cfg.Port))
	opts.SetClientID(n.cfg.ClientID)
	if n.cfg.Username != "" {
		opts.SetUsername(n.cfg.Username)
		opts.SetPassword(n.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(n.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		n.connected.Store(false)
		log.Printf("[mqtt] connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	n.mu.Lock()
	old := n.client
	n.client = client
	n.mu.Unlock()
	if old != nil {
		old.Disconnect(0)
	}

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect %s:%d: %w", n.cfg.Broker, n.cfg.Port, token.Error())
	}
	return nil
}

func (n *Notifier) onConnect(c mqtt.Client) {
	n.connected.Store(true)
	log.Printf("[mqtt] connected to %s:%d as %s", n.cfg.Broker, n.cfg.Port, n.cfg.ClientID)

	topic := n.RegistrationTopic()
	token := c.Subscribe(topic, byte(n.cfg.QoS), n.handleRegistration)
	if token.Wait() && token.Error() != nil {
		log.Printf("[mqtt] subscribe %s: %v", topic, token.Error())
		return
	}
	log.Printf("[mqtt] listening on %s", topic)
}

func (n *Notifier) handleRegistration(_ mqtt.Client, msg mqtt.Message) {
	userID, err := parseRegistration(msg.Payload())
	if err != nil {
		log.Printf("[mqtt] bad registration on %s: %v", msg.Topic(), err)
		return
	}
	log.Printf("[mqtt] registration received for user %s", userID)
	if n.onIdentity != nil {
		n.onIdentity(userID)
	}
}

// parseRegistration accepts either a JSON Registration or the bare user id.
func parseRegistration(payload []byte) (string, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", ErrEmptyRegistration
	}
	if payload[0] == '{' {
		var reg Registration
		if err := json.Unmarshal(payload, &reg); err != nil {
			return "", fmt.Errorf("decode registration: %w", err)
		}
		payload = []byte(reg.UserID)
	}
	id := strings.TrimSpace(string(payload))
	if id == "" {
		return "", ErrEmptyRegistration
	}
	return id, nil
}

// PublishState sends a cadence change. It is a no-op while disconnected.
func (n *Notifier) PublishState(snap report.Snapshot) error {
	if !n.cfg.Enabled || !n.connected.Load() {
		return nil
	}
	client := n.currentClient()
	if client == nil {
		return nil
	}
	data, err := json.Marshal(stateMessage(n.cfg.DeviceID, snap))
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	topic := n.StateTopic()
	token := client.Publish(topic, byte(n.cfg.QoS), true, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}
	return nil
}

func stateMessage(deviceID string, snap report.Snapshot) StateMessage {
	ts := snap.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return StateMessage{
		DeviceID:          deviceID,
		CurrentIntervalMs: snap.CurrentIntervalMs,
		FastestIntervalMs: snap.FastestIntervalMs,
		DistanceToClosest: snap.DistanceToClosest,
		Timestamp:         ts.UnixMilli(),
	}
}

// Connected reports whether the broker session is up.
func (n *Notifier) Connected() bool {
	return n.connected.Load()
}

func (n *Notifier) currentClient() mqtt.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.client
}

// Close disconnects from the broker.
func (n *Notifier) Close() {
	n.mu.Lock()
	client := n.client
	n.client = nil
	n.mu.Unlock()
	if client == nil {
		return
	}
	client.Disconnect(250)
	n.connected.Store(false)
	log.Printf("[mqtt] disconnected")
}
