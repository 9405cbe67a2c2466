package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/warp/billing-engine/billing"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher sends events to a topic exchange, routed by event type
// (payment.posted, submission.advanced, ledger.command).
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	closer   func() error
}

func NewAMQPPublisher(ch Channel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange, closer: func() error { return nil }}
}

// DialAMQP connects, declares a durable topic exchange and returns a
// publisher owning the connection.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := NewAMQPPublisher(ch, exchange)
	p.closer = func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return p, nil
}

// Publish is safe for concurrent use; amqp channels are not.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := Encode(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(
		ctx,
		p.exchange,     // exchange
		string(e.Type), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    messageID(e),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", e.Type, e.Line, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error { return p.closer() }

// messageID lets consumers drop redelivered events: it is the ID of the
// first transaction in the append.
func messageID(e Event) string {
	if len(e.Transactions) == 0 {
		return ""
	}
	return string(e.Transactions[0].ID)
}

var _ billing.Publisher = (*AMQPPublisher)(nil)
