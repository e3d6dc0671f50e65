package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/devicestreams/errors"
)

// ClientOption configures a Client during construction
type ClientOption func(*Client) error

// WithLogger sets the structured logger used by the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return errors.WrapInvalid(
				fmt.Errorf("nil logger"),
				"Client", "WithLogger", "logger validation")
		}
		c.logger = logger
		return nil
	}
}

// WithName sets the client connection name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		if name == "" {
			return errors.WrapInvalid(
				fmt.Errorf("empty name"),
				"Client", "WithName", "name validation")
		}
		c.clientName = name
		return nil
	}
}

// WithCredentials sets username/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithMaxReconnects sets the maximum reconnect attempts (-1 = infinite)
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the wait between reconnect attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("non-positive reconnect wait %v", d),
				"Client", "WithReconnectWait", "duration validation")
		}
		c.reconnectWait = d
		return nil
	}
}

// WithConnectTimeout sets the initial connection timeout
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("non-positive timeout %v", d),
				"Client", "WithConnectTimeout", "duration validation")
		}
		c.timeout = d
		return nil
	}
}

// WithRequestTimeout bounds every request/reply RPC issued through the
// client. Collaborator calls inherit this deadline at the channel layer.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("non-positive timeout %v", d),
				"Client", "WithRequestTimeout", "duration validation")
		}
		c.requestTimeout = d
		return nil
	}
}

// WithDrainTimeout bounds connection draining during Close
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("non-positive timeout %v", d),
				"Client", "WithDrainTimeout", "duration validation")
		}
		c.drainTimeout = d
		return nil
	}
}
