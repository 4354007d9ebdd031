package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"apotekku/backend/internal/domain"
)

const (
	exchangeName = "pharmacy_audit"
	exchangeType = "topic"
)

// Publisher fans an audit record out to an external consumer. Publishing is
// best-effort: the sale that produced the record has already committed, so
// callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, record domain.AuditRecord) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ domain.AuditRecord) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }

type AMQPPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the audit topic exchange.
// Routing keys take the form audit.<entity>.<action>.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	var conn *amqp.Connection
	var err error

	// Short retry loop covers broker startup in container environments.
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Printf("[audit] amqp connect attempt %d failed: %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, exchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, record domain.AuditRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	routingKey := fmt.Sprintf("audit.%s.%s", record.EntityType, record.Action)
	return p.ch.PublishWithContext(ctx,
		exchangeName,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
