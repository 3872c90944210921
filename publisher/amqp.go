package publisher

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// amqpPublisher publishes one message and waits for the broker's confirm.
type amqpPublisher interface {
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error)
	Close() error
}

// AMQPSink publishes events to a RabbitMQ topic exchange with routing key
// "ledger.<kind>", using publisher confirms.
type AMQPSink struct {
	publisher amqpPublisher
	exchange  string
}

// NewAMQPSink dials url and declares a durable topic exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &AMQPSink{publisher: &confirmingChannel{conn: conn, ch: ch}, exchange: exchange}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, ev interfaces.Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	acked, err := s.publisher.PublishConfirmed(ctx, s.exchange, RoutingKey(ev), amqp.Publishing{
		ContentType:  "application/json",
		Body:         msg.Payload,
		Timestamp:    ev.Timestamp,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Headers["hash"],
		Headers:      headers,
	})
	if err != nil {
		return fmt.Errorf("publish event %d: %w", ev.Seq, err)
	}
	if !acked {
		return fmt.Errorf("publish event %d: broker nacked", ev.Seq)
	}
	return nil
}

// RoutingKey returns the topic routing key for ev.
func RoutingKey(ev interfaces.Event) string {
	return "ledger." + string(ev.Kind)
}

func (s *AMQPSink) Name() string {
	return "amqp:" + s.exchange
}

func (s *AMQPSink) Close() error {
	return s.publisher.Close()
}

type confirmingChannel struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c *confirmingChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return false, err
	}
	return confirm.WaitContext(ctx)
}

func (c *confirmingChannel) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
