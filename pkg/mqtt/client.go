// Package mqtt publishes thermopilot predictions and events to a broker
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
	"github.com/thermopilot/thermopilot/pkg/telem"
)

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "thermopilotd",
		TopicPrefix: "thermopilot",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Client publishes prediction results and engine events. A disabled client
// accepts publishes and drops them, so callers never branch on the flag.
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   bool
	lastPublish time.Time
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: config,
	}
}

// Connect establishes the broker connection. Disabled clients no-op.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}

	c.logger.Info("mqtt client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
	)
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected = true
	c.logger.Info("mqtt connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected = false
	c.logger.Error("mqtt connection lost", "error", err)
}

// PublishPrediction publishes a room's prediction to
// <prefix>/<room>/prediction.
func (c *Client) PublishPrediction(roomID string, result pkg.PredictionResult) error {
	topic := fmt.Sprintf("%s/%s/prediction", c.config.TopicPrefix, roomID)
	return c.publishJSON(topic, result)
}

// PublishEvent publishes an engine event to <prefix>/<room>/events.
func (c *Client) PublishEvent(event telem.Event) error {
	topic := fmt.Sprintf("%s/%s/events", c.config.TopicPrefix, event.RoomID)
	return c.publishJSON(topic, event)
}

// PublishStatus publishes daemon status to <prefix>/status.
func (c *Client) PublishStatus(status map[string]interface{}) error {
	topic := fmt.Sprintf("%s/status", c.config.TopicPrefix)
	return c.publishJSON(topic, status)
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	c.lastPublish = time.Now()
	c.logger.Debug("mqtt published", "topic", topic, "bytes", len(data))
	return nil
}

// Subscribe registers a handler for a topic.
func (c *Client) Subscribe(topic string, handler MQTT.MessageHandler) error {
	if !c.config.Enabled || c.client == nil {
		return nil
	}
	token := c.client.Subscribe(topic, byte(c.config.QoS), handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	c.logger.Debug("mqtt subscribed", "topic", topic)
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.connected
}

// LastPublish returns the time of the most recent successful publish.
func (c *Client) LastPublish() time.Time {
	return c.lastPublish
}
