// Package natsclient provides a managed NATS connection for the pipeline:
// JetStream stream provisioning, keyed publishes, durable consumers, and
// request/reply with bounded timeouts.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/devicestreams/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Error variables
var (
	ErrNotConnected      = stderrors.New("not connected to NATS")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// Client manages a NATS connection and its JetStream context.
// Safe for concurrent use; RPC channels are connection-pooled by the
// underlying nats.Conn.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Consumer management
	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Connection options
	maxReconnects  int
	reconnectWait  time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	requestTimeout time.Duration
	clientName     string
	username       string
	password       string
	token          string

	reconnects atomic.Int32

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty URL"),
			"Client", "NewClient", "URL validation")
	}

	c := &Client{
		url:            url,
		logger:         slog.Default().With("component", "natsclient"),
		maxReconnects:  -1, // infinite by default
		reconnectWait:  2 * time.Second,
		timeout:        5 * time.Second,
		drainTimeout:   30 * time.Second,
		requestTimeout: 10 * time.Second,
		clientName:     "devicestreams",
		consumers:      make(map[string]jetstream.ConsumeContext),
	}
	c.status.Store(StatusDisconnected)

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// URL returns the configured NATS URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	if s, ok := c.status.Load().(ConnectionStatus); ok {
		return s
	}
	return StatusDisconnected
}

// IsHealthy reports whether the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Reconnects returns the number of reconnects observed
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

// GetConnection returns the underlying NATS connection (nil until Connect)
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.status.Store(StatusConnected)
			c.reconnects.Add(1)
			c.logger.Info("NATS reconnected", "reconnects", c.reconnects.Load())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(StatusDisconnected)
		}),
	}

	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	} else if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}

	return opts
}

// Connect establishes the NATS connection and JetStream context
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	c.status.Store(StatusConnecting)

	conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
	if err != nil {
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "NATS connect")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.status.Store(StatusDisconnected)
		return errors.WrapFatal(err, "Client", "Connect", "JetStream context creation")
	}

	select {
	case <-ctx.Done():
		conn.Close()
		c.status.Store(StatusDisconnected)
		return ctx.Err()
	default:
	}

	c.conn = conn
	c.js = js
	c.status.Store(StatusConnected)
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// WaitForConnection blocks until the connection is established or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrConnectionTimeout
		case <-ticker.C:
		}
	}
}

// Close stops all consumers and drains the connection
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.consumersMu.Lock()
	for key, cc := range c.consumers {
		cc.Stop()
		delete(c.consumers, key)
	}
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- c.conn.Drain()
	}()

	select {
	case err := <-done:
		if err != nil {
			c.conn.Close()
		}
	case <-time.After(c.drainTimeout):
		c.conn.Close()
	case <-ctx.Done():
		c.conn.Close()
	}

	c.conn = nil
	c.js = nil
	c.status.Store(StatusDisconnected)
	return nil
}

// Publish publishes to a plain NATS subject
func (c *Client) Publish(subject string, data []byte) error {
	conn := c.GetConnection()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "NATS publish")
	}
	return nil
}

// Request performs a request/reply with the client's bounded request
// timeout. The timeout lives here at the channel layer so a hung collaborator
// cannot occupy a caller indefinitely.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	conn := c.GetConnection()
	if conn == nil {
		return nil, ErrNotConnected
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	msg, err := conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Request", "NATS request")
	}
	return msg.Data, nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates or updates a JetStream stream
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "stream creation")
	}
	return stream, nil
}

// PublishToStream publishes data onto a JetStream subject and waits for the
// acknowledgment, giving at-least-once semantics on the durable log.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", "JetStream publish")
	}
	return nil
}

// Consume creates a durable consumer on a stream and dispatches each message
// to the handler. The handler owns acknowledgment (Ack/Nak/Term); this layer
// never acks on its behalf, so hand-off semantics stay with the caller.
func (c *Client) Consume(ctx context.Context, streamName, durable, filterSubject string, handler func(jetstream.Msg)) error {
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}
	if c.closed.Load() {
		return errors.WrapInvalid(
			fmt.Errorf("client is closed"),
			"Client", "Consume", "client state check")
	}

	js, err := c.JetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "consumer creation")
	}

	consumeContext, err := consumer.Consume(handler)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "consume start")
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if c.closed.Load() {
		consumeContext.Stop()
		return errors.WrapInvalid(
			fmt.Errorf("client is closing"),
			"Client", "Consume", "consumer registration")
	}

	key := fmt.Sprintf("%s:%s", streamName, durable)
	if existing, exists := c.consumers[key]; exists {
		existing.Stop()
		c.logger.Debug("Replaced existing consumer", "key", key)
	}
	c.consumers[key] = consumeContext
	return nil
}

// StopConsumer stops a durable consumer previously started with Consume
func (c *Client) StopConsumer(streamName, durable string) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	key := fmt.Sprintf("%s:%s", streamName, durable)
	if cc, exists := c.consumers[key]; exists {
		cc.Stop()
		delete(c.consumers, key)
	}
}
