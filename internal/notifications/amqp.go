package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"tripbilling/internal/types"
)

// DefaultExchange is the topic exchange domain events are published to. The
// routing key is the event type, so consumers bind on patterns such as
// "subscription.*" or "payment.failed".
const DefaultExchange = "tripbilling.billing.events"

// AMQPChannel is the subset of *amqp.Channel the publisher uses.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes domain events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  AMQPChannel
	exchange string
	logger   *slog.Logger
}

// DialAMQP connects to the broker, declares the durable topic exchange and
// returns a publisher bound to it.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := NewAMQPPublisher(ch, exchange, logger)
	p.conn = conn
	p.logger.Info("RabbitMQ publisher connected", "exchange", exchange)
	return p, nil
}

// NewAMQPPublisher wraps an already open channel.
func NewAMQPPublisher(ch AMQPChannel, exchange string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}
}

// Publish sends the event as a persistent JSON message routed by its type.
func (p *AMQPPublisher) Publish(ctx context.Context, event types.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("amqp publisher: failed to marshal event %s: %w", event.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalPublish,
			fmt.Sprintf("failed to publish %s to %s", event.Type, p.exchange), err)
	}

	p.logger.DebugContext(ctx, "domain event published",
		"event_id", event.ID,
		"routing_key", event.Type,
		"size", len(body),
	)
	return nil
}

// Close closes the channel and, when the publisher dialed it, the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", "error", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
