/**
 * @description
 * Reusable RabbitMQ consumer. It declares the topic exchange and a durable queue, binds
 * one handler per routing key and acknowledges messages according to the handler result.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The Go client for RabbitMQ.
 * - github.com/rs/zerolog: structured logging.
 *
 * @notes
 * - A handler returning true acks the message; false nacks and re-queues it.
 * - Messages for routing keys without a handler are acked and dropped.
 */
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Handler processes one message body and reports whether it was handled.
type Handler func(body []byte) bool

// Consumer holds the connection and channel for RabbitMQ.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewConsumer creates and returns a new RabbitMQ consumer.
func NewConsumer(amqpURL string, prefetch int, log zerolog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	return &Consumer{
		conn:     conn,
		ch:       ch,
		prefetch: prefetch,
		log:      log.With().Str("component", "rabbitmq_consumer").Logger(),
	}, nil
}

// ConsumeWithBindings binds queueName to every routing key in bindings and dispatches
// deliveries to the matching handler until ctx is cancelled or the channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	router := newBindingRouter()
	for pattern, handler := range bindings {
		if handler == nil {
			continue
		}
		router.add(pattern, handler)
		if err := c.ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					c.log.Warn().Str("queue", q.Name).Msg("delivery channel closed")
					return
				}
				c.deliver(router, d)
			}
		}
	}()

	return nil
}

func (c *Consumer) deliver(router *bindingRouter, d amqp.Delivery) {
	handler, ok := router.match(d.RoutingKey)
	if !ok {
		c.log.Warn().Str("routing_key", d.RoutingKey).Msg("no handler for routing key; acknowledging to drop")
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	c.log.Warn().Str("routing_key", d.RoutingKey).Msg("handler failed; re-queuing")
	_ = d.Nack(false, true)
}

// Close stops consuming and closes the RabbitMQ channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.wg.Wait()
}
