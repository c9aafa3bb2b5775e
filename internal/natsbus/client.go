package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const clientName = "phaserun"

// Client is a named NATS connection that logs disconnects and reconnects.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to the embedded bus.
func NewClient(bus *Bus) (*Client, error) {
	return connect(bus.ClientURL())
}

// NewClientFromURL connects to a bus in another process, e.g. a running
// `phaserun serve`.
func NewClientFromURL(url string) (*Client, error) {
	return connect(url)
}

func connect(url string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "url", url, "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	if err := c.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(topic, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close flushes buffered publishes, then closes the connection.
func (c *Client) Close() {
	if c.conn.IsConnected() {
		_ = c.conn.FlushTimeout(time.Second)
	}
	c.conn.Close()
}
