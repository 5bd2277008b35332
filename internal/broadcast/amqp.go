package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher forwards events to a durable topic exchange as persistent JSON messages. The
// routing key is the event kind, e.g. "session.delta". The connection is dialled lazily and
// re-dialled after a failed publish.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher constructs a publisher. Nothing is dialled until the first Deliver.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{
		url:      url,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "amqp_publisher")),
	}
}

// Deliver implements Sink.
func (p *AMQPPublisher) Deliver(ctx context.Context, event Event) error {
	msg, err := encodePublishing(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, p.exchange, string(event.Kind), false, false, msg); err != nil {
		p.resetLocked()
		return fmt.Errorf("amqp: publish %s: %w", event.Kind, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *AMQPPublisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", p.exchange, err)
	}
	p.conn = conn
	p.ch = ch
	p.logger.Info("amqp channel ready", slog.String("exchange", p.exchange))
	return ch, nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func encodePublishing(event Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("amqp: marshal %s: %w", event.Kind, err)
	}
	headers := amqp.Table{}
	if event.SessionID != "" {
		headers["session_id"] = event.SessionID
	}
	if event.Delta != nil {
		headers["to_version"] = event.Delta.ToVersion
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(event.Stamp, 10),
		Type:         string(event.Kind),
		Timestamp:    event.Timestamp.UTC(),
		Headers:      headers,
		Body:         body,
	}, nil
}
