// Package messaging provides the NATS client wrapper used as the
// cross-instance event bus. It handles connection lifecycle and
// per-session subscriptions to the realtime event topics, so that an
// event published by any backend instance reaches the relay sessions of
// every other instance. Delivery is at-most-once with no persistence: a
// disconnected subscriber simply misses the event.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string][]*nats.Subscription // session ID -> event subscriptions
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "mailchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string][]*nats.Subscription),
	}, nil
}

// Publish sends data to the given topic.
func (c *Client) Publish(topic string, data []byte) error {
	if err := c.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// SubscribeEvents subscribes the given session to each topic. The handler
// receives the topic name and the raw payload. Subscriptions are keyed by
// session ID so that many relay sessions on the same server can subscribe
// to the same topics without overwriting each other. If any topic fails
// to subscribe, already-created subscriptions are rolled back.
func (c *Client) SubscribeEvents(sessionID string, topics []string, handler func(topic string, data []byte)) error {
	subs := make([]*nats.Subscription, 0, len(topics))
	for _, topic := range topics {
		topic := topic
		sub, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
			handler(topic, msg.Data)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("nats subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	c.subs[sessionID] = subs
	c.mu.Unlock()
	return nil
}

// UnsubscribeEvents removes a session's event subscriptions. Unsubscribe
// takes effect immediately and does not wait for in-flight deliveries.
// Unsubscribing a session with no subscriptions is a no-op.
func (c *Client) UnsubscribeEvents(sessionID string) error {
	c.mu.Lock()
	subs, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
		}
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sessionID, subs := range c.subs {
		for _, sub := range subs {
			if err := sub.Drain(); err != nil {
				log.Printf("[nats] drain %s (session %s): %v", sub.Subject, sessionID, err)
			}
		}
	}
	c.subs = make(map[string][]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
