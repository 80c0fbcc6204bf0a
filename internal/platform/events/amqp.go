package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/domain/scheduling"
)

// Publisher sends reservation events to a durable topic exchange. The routing
// key is the event type, e.g. reservation.created.
type Publisher struct {
	url      string
	exchange string
	logger   zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(url, exchange string, logger zerolog.Logger) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange, logger: logger}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

// Publish sends evt as a persistent JSON message, reconnecting once if the
// channel was closed underneath us.
func (p *Publisher) Publish(ctx context.Context, evt scheduling.ReservationEvent) error {
	msg, err := NewMessage(evt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		p.close()
		if err := p.connect(); err != nil {
			return err
		}
		p.logger.Info().Str("exchange", p.exchange).Msg("amqp publisher reconnected")
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, msg); err != nil {
		return fmt.Errorf("amqp publish %s: %w", evt.Type, err)
	}
	return nil
}

// NewMessage encodes evt for the wire.
func NewMessage(evt scheduling.ReservationEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode %s event: %w", evt.Type, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ReservationID.String() + ":" + evt.Type + ":" + evt.OccurredAt.Format(time.RFC3339Nano),
		Type:         evt.Type,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	}, nil
}

func (p *Publisher) close() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close()
	return nil
}
