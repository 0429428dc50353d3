package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes transitions to a topic exchange with routing key
// "request.<kind>.<status>".
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials url and declares exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func routingKey(t Transition) string {
	return fmt.Sprintf("request.%s.%s", t.Kind, t.To)
}

func (a *AMQPPublisher) Publish(ctx context.Context, t Transition) error {
	body, err := encode(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	if err := a.ch.PublishWithContext(ctx, a.exchange, routingKey(t), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: t.RequestID,
		Timestamp:     t.At,
		Body:          body,
	}); err != nil {
		return fmt.Errorf("failed to publish transition: %w", err)
	}
	return nil
}

func (a *AMQPPublisher) Close() error {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
