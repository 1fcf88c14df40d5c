package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange is the topic exchange reminder events are published to.
	DefaultExchange = "remindpipe.events"
	ExchangeType    = "topic"
)

// RabbitPublisher publishes events to a RabbitMQ topic exchange.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

var _ Publisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher dials rabbitURL and declares a durable topic exchange.
// An empty exchange uses DefaultExchange.
func NewRabbitPublisher(rabbitURL, exchange string) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	slog.Info("RabbitPublisher: connecting", "url", maskPassword(rabbitURL), "exchange", exchange)

	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,     // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// Publish sends env as a persistent JSON message with the given routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, env Envelope) error {
	if p == nil || p.channel == nil {
		slog.Warn("RabbitPublisher.Publish: publisher not initialized, skipping event", "routingKey", routingKey)
		return nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    env.EventID,
			AppId:        ServiceName,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", routingKey, err)
	}

	slog.Debug("RabbitPublisher.Publish: published", "routingKey", routingKey, "reminderID", env.Data.ReminderID)
	return nil
}

// Close closes the RabbitMQ channel and connection.
func (p *RabbitPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			slog.Warn("RabbitPublisher.Close: error closing channel", "error", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// maskPassword hides credentials in a broker URL for logging.
func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
