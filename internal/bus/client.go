// Package bus is the message-bus publisher (§4.2 C1): it publishes
// schema-validated JSON events with auto-reconnect, mirroring
// original_source/mqtt_client.py's MQTTClient but built on the Go
// ecosystem's standard MQTT client, github.com/eclipse/paho.mqtt.golang,
// since the teacher repo never talks to a broker itself.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nethesis/satellite/internal/commons"
)

// eventTopics are published unprefixed even when a topic_prefix is
// configured, matching the original's special-casing.
var eventTopics = map[string]bool{
	"intent":      true,
	"transcript":  true,
	"response":    true,
	"error":       true,
}

// InboundHandler is invoked for every message received on a subscribed
// topic, after schema validation.
type InboundHandler func(topic string, payload interface{})

// Client is a long-lived MQTT publisher with auto-reconnect.
type Client struct {
	url          string
	topicPrefix  string
	username     string
	password     string
	reconnectDelay time.Duration
	logger       commons.Logger

	mu            sync.Mutex
	client        mqtt.Client
	connected     bool
	stopping      bool
	subscriptions map[string]bool
	handler       InboundHandler
}

// New constructs a Client. reconnectDelay defaults to 5s when <= 0.
func New(url, topicPrefix, username, password string, reconnectDelay time.Duration, logger commons.Logger) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Client{
		url:            url,
		topicPrefix:    topicPrefix,
		username:       username,
		password:       password,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		subscriptions:  make(map[string]bool),
	}
}

// SetHandler registers the inbound-message callback.
func (c *Client) SetHandler(h InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect starts the reconnect loop in the background and returns
// immediately, without waiting for any connection attempt to complete;
// Connected() reports whether a connection is currently up.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	c.stopping = false
	c.mu.Unlock()
	go c.connectWithRetry(ctx)
}

func (c *Client) connectWithRetry(ctx context.Context) {
	for {
		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}

		opts := mqtt.NewClientOptions().AddBroker(c.url).SetAutoReconnect(false)
		if c.username != "" {
			opts.SetUsername(c.username)
			opts.SetPassword(c.password)
		}
		opts.SetOnConnectHandler(func(cl mqtt.Client) {
			c.mu.Lock()
			c.connected = true
			topics := make([]string, 0, len(c.subscriptions))
			for t := range c.subscriptions {
				topics = append(topics, t)
			}
			c.mu.Unlock()
			for _, t := range topics {
				cl.Subscribe(t, 0, c.onMessage)
			}
			c.logger.Infow("bus connected", "url", c.url)
		})
		opts.SetConnectionLostHandler(func(cl mqtt.Client, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.logger.Warnw("bus connection lost", "error", err)
		})

		client := mqtt.NewClient(opts)
		token := client.Connect()
		ok := token.WaitTimeout(10 * time.Second)
		if ok && token.Error() == nil {
			c.mu.Lock()
			c.client = client
			c.connected = true
			c.mu.Unlock()
			return
		}

		c.logger.Warnw("bus connect failed, retrying", "error", token.Error(), "delay", c.reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// Disconnect stops the reconnect loop and closes the transport.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopping = true
	client := c.client
	c.connected = false
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

// Connected reports whether the transport is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers topic for delivery now (if connected) and on every
// future reconnect.
func (c *Client) Subscribe(topic string) {
	full := c.fullTopic(topic)
	c.mu.Lock()
	c.subscriptions[full] = true
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if connected && client != nil {
		client.Subscribe(full, 0, c.onMessage)
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	var payload interface{}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		payload = string(msg.Payload())
	}

	topicType := lastSegment(msg.Topic())
	if !validateSchema(topicType, payload) {
		c.logger.Warnw("dropping inbound message failing schema validation", "topic", msg.Topic())
		return
	}
	handler(msg.Topic(), payload)
}

// Publish serializes payload (if it is a map) to JSON and publishes it on
// topic, applying the prefix rule and schema validation from §4.2. Returns
// false (never an error) on any failure, scheduling a reconnect on
// transport errors, matching the original's "never throw up the stack"
// publish contract (§7).
func (c *Client) Publish(ctx context.Context, topic string, payload interface{}) bool {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		c.logger.Warnw("publish while disconnected", "topic", topic)
		return false
	}

	if !validateSchema(topic, payload) {
		c.logger.Warnw("publish failed schema validation", "topic", topic)
		return false
	}

	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			c.logger.Errorw("failed to marshal publish payload", "topic", topic, "error", err)
			return false
		}
		body = b
	}

	full := c.fullTopic(topic)
	token := client.Publish(full, 0, false, body)
	if ok := token.WaitTimeout(5 * time.Second); !ok || token.Error() != nil {
		c.logger.Warnw("publish failed, scheduling reconnect", "topic", full, "error", token.Error())
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		go c.connectWithRetry(ctx)
		return false
	}
	return true
}

func (c *Client) fullTopic(topic string) string {
	if eventTopics[topic] || c.topicPrefix == "" {
		return topic
	}
	return c.topicPrefix + "/" + topic
}

func lastSegment(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}
