// Package nats manages the NATS connection of the report service.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for the NATS connection.
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name identifies this client to the server.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts. -1 retries forever.
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration

	// Token, or Username and Password, authenticate the connection when set.
	Token    string
	Username string
	Password string

	// RetryOnFailedConnect keeps reconnecting in the background when the first attempt
	// fails instead of returning an error.
	RetryOnFailedConnect bool
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:                  url,
		Name:                 "banda-reportd",
		MaxReconnects:        -1,
		ReconnectWait:        2 * time.Second,
		Timeout:              5 * time.Second,
		RetryOnFailedConnect: true,
	}
}

// Options translates the configuration into nats.go options, with connection events
// logged through logger.
func (c *ConnectionConfig) Options(logger *zap.Logger) []nats.Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.RetryOnFailedConnect(c.RetryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
	}

	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	} else if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// Connect establishes a connection to NATS with the provided configuration
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, config.Options(logger)...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close the connection if it arrives after the caller gave up.
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains the connection so in-flight requests complete, falling back to Close.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// IsConnected checks if the connection is active
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}

// WaitForConnection waits for the connection to be established or context to expire
func WaitForConnection(ctx context.Context, conn *nats.Conn, checkInterval time.Duration) error {
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if conn.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection wait cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
