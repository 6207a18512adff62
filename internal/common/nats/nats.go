package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"givepay/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"givepay-payments"`
	Stream        string        `envconfig:"NATS_STREAM" default:"PAYMENTS"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	PublishWait   time.Duration `envconfig:"NATS_PUBLISH_TIMEOUT" default:"3s"`
}

// Enabled reports whether a broker URL was configured. Without one the
// services run and log but publish nothing.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Subject returns the subject an event type is published on.
func Subject(eventType string) string {
	return "events." + eventType
}

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("NATS_URL is not set")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		js:     js,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close drains and closes the NATS connection
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// EnsurePaymentsStream creates or updates the stream that captures every
// payment, donation and alert subject.
func (c *Client) EnsurePaymentsStream(ctx context.Context) (jetstream.Stream, error) {
	cfg := jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "payment lifecycle, donation and integrity alert events",
		Subjects:    []string{Subject("payment.>"), Subject("donation.>")},
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    1 << 30,
		Replicas:    1,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", cfg.Name, err)
	}

	c.logger.Info("stream ensured", "name", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// EnsureConsumer creates or updates a durable consumer filtered to one event type
func (c *Client) EnsureConsumer(ctx context.Context, name, eventType string) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: Subject(eventType),
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("creating/updating consumer %s: %w", name, err)
	}

	c.logger.Info("consumer ensured",
		"name", name,
		"stream", c.cfg.Stream,
		"filter", consumerCfg.FilterSubject,
	)

	return consumer, nil
}

// Publisher publishes events to JetStream
type Publisher struct {
	client *Client
	logger *slog.Logger
}

var _ events.Publisher = (*Publisher)(nil)

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// Publish publishes an event. The event ID doubles as the JetStream message
// ID so broker-side deduplication absorbs publisher retries.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	subject := Subject(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.client.cfg.PublishWait)
	defer cancel()

	if _, err := p.client.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", subject,
	)

	return nil
}

// MessageHandler handles incoming events
type MessageHandler func(ctx context.Context, event *events.Event) error

// Consume feeds messages from consumer to handler until ctx is cancelled.
// Messages that fail to decode or handle are negatively acknowledged.
func Consume(ctx context.Context, consumer jetstream.Consumer, logger *slog.Logger, handler MessageHandler) error {
	iter, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("getting message iterator: %w", err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			logger.Error("error getting next message", "error", err)
			continue
		}

		var event events.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Error("error unmarshaling event", "error", err, "subject", msg.Subject())
			_ = msg.Term()
			continue
		}

		if err := handler(ctx, &event); err != nil {
			logger.Error("error handling event",
				"error", err,
				"event_id", event.ID,
				"type", event.Type,
			)
			_ = msg.Nak()
			continue
		}

		if err := msg.Ack(); err != nil {
			logger.Error("error acknowledging message", "error", err)
		}
	}
}
