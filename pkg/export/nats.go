package export

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig holds connection settings for the NATS publisher.
type NATSConfig struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string

	// Name identifies this connection on the server.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts, -1 for
	// unlimited.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// Stream, when set, is ensured to exist as a JetStream stream covering
	// the export subject, and publishes go through JetStream for at-least-
	// once delivery. When empty, plain NATS publish is used.
	Stream string

	// Subjects are the subjects bound to Stream. Defaults to ">" under the
	// stream name.
	Subjects []string

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// DefaultNATSConfig returns a configuration with the defaults used across
// the examples.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Name:          "daedalus-exporter",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSPublisher publishes exported records to NATS, optionally through
// JetStream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher connects to NATS with the given configuration.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	p := &NATSPublisher{conn: conn, logger: cfg.Logger}
	if cfg.Stream != "" {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("acquiring JetStream context: %w", err)
		}
		if err := ensureStream(js, cfg, cfg.Logger); err != nil {
			conn.Close()
			return nil, err
		}
		p.js = js
	}
	cfg.Logger.Info("NATS publisher connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream))
	return p, nil
}

func ensureStream(js nats.JetStreamContext, cfg NATSConfig, logger *zap.Logger) error {
	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = []string{cfg.Stream + ".>"}
	}
	_, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %q: %w", cfg.Stream, err)
	}
	logger.Info("creating JetStream stream",
		zap.String("stream", cfg.Stream),
		zap.Strings("subjects", subjects))
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: subjects,
	})
	if err != nil {
		return fmt.Errorf("creating stream %q: %w", cfg.Stream, err)
	}
	return nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(subject string, data []byte) error {
	if p.js != nil {
		_, err := p.js.Publish(subject, data)
		return err
	}
	return p.conn.Publish(subject, data)
}

// Close drains the connection, flushing buffered publishes.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
