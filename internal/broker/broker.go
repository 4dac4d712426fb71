// Package broker wraps the paho MQTT client behind the minimal interface
// the rest of the daemon needs, so the Gate, the activities, and the REST
// bridge can be tested without a live broker.
package broker

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/agriha/controld/internal/agerr"
)

// Token mirrors the subset of paho's Token this package's callers need.
type Token interface {
	Wait() bool
	Error() error
}

// Publisher is satisfied by *Client and by any fake used in tests.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) Token
}

// MessageHandler receives a subscribed message's topic and raw payload.
type MessageHandler func(topic string, payload []byte)

// Subscriber is satisfied by *Client and by any fake used in tests.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) Token
}

// Client adapts a paho mqtt.Client to Publisher and Subscriber.
type Client struct {
	inner mqtt.Client
}

// Connect dials the broker and blocks until the connection is established
// or fails.
func Connect(brokerURL, clientID string, keepalive time.Duration) (*Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetKeepAlive(keepalive).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, agerr.Wrap(agerr.NetworkIo, "mqtt connect", token.Error())
	}
	return &Client{inner: client}, nil
}

// Publish forwards to the underlying paho client.
func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) Token {
	return c.inner.Publish(topic, qos, retained, payload)
}

// Subscribe forwards to the underlying paho client, adapting paho's
// (mqtt.Client, mqtt.Message) callback to the simpler MessageHandler.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) Token {
	return c.inner.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
}

// Disconnect quiesces and closes the connection.
func (c *Client) Disconnect(quiesce uint) {
	c.inner.Disconnect(quiesce)
}
