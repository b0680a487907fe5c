/**
 * @description
 * This package publishes domain events to RabbitMQ. Every message is wrapped in the
 * standard event envelope and sent to a durable topic exchange, with the partition key
 * carried both in the envelope and as a message header.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/rs/zerolog: structured logging.
 *
 * @notes
 * - A failed declare or publish reopens the channel once and retries.
 * - `EventProducerFallback` is used when RabbitMQ is unavailable at startup.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	// PartitionKeyHeader carries the envelope key so consumers can keep per-key ordering.
	PartitionKeyHeader = "x-partition-key"
	// ErrorReportingRoutingKey receives reconciliation events for failed publishes.
	ErrorReportingRoutingKey = "common.error.reporting"
	mimeTypeJSON             = "application/json"
)

// PublishOptions carries the optional envelope fields.
type PublishOptions struct {
	OldValue any
	Key      string
}

// Envelope is the message body published for every event.
type Envelope struct {
	Topic      string          `json:"topic"`
	Originator string          `json:"originator"`
	Timestamp  time.Time       `json:"timestamp"`
	MimeType   string          `json:"mime-type"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OldValue   json.RawMessage `json:"oldValue,omitempty"`
}

// ErrorReport is the payload published on the error reporting topic.
type ErrorReport struct {
	Topic     string          `json:"topic"`
	Operation string          `json:"operation"`
	Entity    json.RawMessage `json:"entity"`
	Error     string          `json:"error,omitempty"`
}

// Publisher is the interface implemented by event publishers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any, opts PublishOptions) error
	PublishError(ctx context.Context, topic string, entity any, operation string, cause error) error
	Close()
}

// NewEnvelope marshals payload and old value into an envelope.
func NewEnvelope(originator, topic string, payload any, opts PublishOptions, now time.Time) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Topic:      topic,
		Originator: originator,
		Timestamp:  now.UTC(),
		MimeType:   mimeTypeJSON,
		Key:        opts.Key,
		Payload:    body,
	}
	if opts.OldValue != nil {
		if env.OldValue, err = json.Marshal(opts.OldValue); err != nil {
			return Envelope{}, fmt.Errorf("marshal old value: %w", err)
		}
	}
	return env, nil
}

// NewErrorReport builds the reconciliation payload for a failed publish.
func NewErrorReport(topic string, entity any, operation string, cause error) (ErrorReport, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return ErrorReport{}, fmt.Errorf("marshal entity: %w", err)
	}
	report := ErrorReport{Topic: topic, Operation: operation, Entity: raw}
	if cause != nil {
		report.Error = cause.Error()
	}
	return report, nil
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu         sync.Mutex
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	exchange   string
	originator string
	log        zerolog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer connects to RabbitMQ and declares the event exchange.
func NewEventProducer(amqpURL, exchange, originator string, log zerolog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &EventProducer{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		originator: originator,
		log:        log.With().Str("component", "rabbitmq_producer").Logger(),
	}, nil
}

// Publish wraps payload in an envelope and publishes it with the routing key.
func (p *EventProducer) Publish(ctx context.Context, routingKey string, payload any, opts PublishOptions) error {
	env, err := NewEnvelope(p.originator, routingKey, payload, opts, time.Now())
	if err != nil {
		p.log.Error().Err(err).Str("routing_key", routingKey).Msg("envelope build failed")
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  mimeTypeJSON,
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    env.Timestamp,
		Headers:      amqp091.Table{"originator": p.originator},
		Body:         body,
	}
	if opts.Key != "" {
		msg.Headers[PartitionKeyHeader] = opts.Key
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return errors.New("rabbitmq channel not initialized")
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	p.log.Warn().Err(err).Str("routing_key", routingKey).Msg("publish failed; reopening channel")
	if p.conn == nil {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w", chErr)
	}
	p.channel = ch
	if exErr := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); exErr != nil {
		return exErr
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// PublishError reports an entity whose event could not be delivered.
func (p *EventProducer) PublishError(ctx context.Context, topic string, entity any, operation string, cause error) error {
	report, err := NewErrorReport(topic, entity, operation, cause)
	if err != nil {
		return err
	}
	return p.Publish(ctx, ErrorReportingRoutingKey, report, PublishOptions{})
}

// Close closes the RabbitMQ connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup.
// Each event is logged and, when Forward is set, handed to it so local consumers still
// observe the change.
type EventProducerFallback struct {
	Originator string
	Forward    func(ctx context.Context, env Envelope)
	Log        zerolog.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, routingKey string, payload any, opts PublishOptions) error {
	env, err := NewEnvelope(p.Originator, routingKey, payload, opts, time.Now())
	if err != nil {
		return err
	}
	p.Log.Warn().
		Str("component", "rabbitmq_producer").
		Str("mode", "fallback").
		Str("routing_key", routingKey).
		Str("key", opts.Key).
		Msg("publish skipped")
	if p.Forward != nil {
		p.Forward(ctx, env)
	}
	return nil
}

func (p *EventProducerFallback) PublishError(ctx context.Context, topic string, entity any, operation string, cause error) error {
	p.Log.Error().
		Str("component", "rabbitmq_producer").
		Str("mode", "fallback").
		Str("topic", topic).
		Str("operation", operation).
		AnErr("cause", cause).
		Msg("error event publish skipped")
	return nil
}

func (p *EventProducerFallback) Close() {}
