// Package amqp publishes finance events to a RabbitMQ topic exchange.
//
// Routing keys have the form "<prefix>.<tenant>.<event type>", so with the
// default "finance" prefix a consumer can bind to one tenant
// ("finance.diku.#") or one kind of event ("finance.*.batch.closed").
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/warp/finance-engine/finance"
)

const publishTimeout = 5 * time.Second

// channel is the part of *amqp091.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher implements finance.EventPublisher.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	prefix   string
	logger   *zap.Logger

	mu      sync.Mutex
	channel channel
}

var _ finance.EventPublisher = (*Publisher)(nil)

// NewPublisher dials url and declares a durable topic exchange. Routing keys
// start with prefix.
func NewPublisher(url, exchange, prefix string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newPublisher(ch, exchange, prefix, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{channel: ch, exchange: exchange, prefix: prefix, logger: logger}
}

// RoutingKey is the topic an event is published under.
func RoutingKey(prefix string, event finance.Event) string {
	return prefix + "." + string(event.Tenant) + "." + string(event.Type)
}

func (p *Publisher) Publish(ctx context.Context, event finance.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	key := RoutingKey(p.prefix, event)
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    event.OccurredAt,
			Type:         string(event.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	p.logger.Debug("event published",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", key),
	)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
