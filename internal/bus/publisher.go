// Package bus exports reconciled conversation changes to an AMQP topic
// exchange for downstream consumers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/observability"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "wa.events"

	defaultQueueSize = 512
	publishTimeout   = 5 * time.Second
	dialAttempts     = 5
	dialDelay        = 500 * time.Millisecond
	maxDialDelay     = 10 * time.Second
)

// Routing keys on the export exchange.
const (
	KeyMessageCreated      = "message.created"
	KeyMessageUpdated      = "message.updated"
	KeyConversationUpdated = "conversation.updated"
)

// Envelope is the body of every exported event.
type Envelope struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
	Payload        interface{} `json:"payload"`
}

type outbound struct {
	key      string
	envelope Envelope
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher queues realtime events and publishes them from Run. Publish never
// blocks: when the queue is full the oldest event is dropped.
type Publisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string

	mu    sync.Mutex
	queue chan outbound
	now   func() time.Time
}

// Dial connects to url, retrying with backoff, and declares exchange as a
// durable topic exchange.
func Dial(ctx context.Context, url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := dialWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := newPublisher(ch, exchange, defaultQueueSize)
	p.conn = conn
	middleware.Logger.Info("event bus connected", slog.String("exchange", exchange))
	return p, nil
}

func newPublisher(ch amqpChannel, exchange string, size int) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		queue:    make(chan outbound, size),
		now:      time.Now,
	}
}

func dialWithRetry(ctx context.Context, url string) (*amqp.Connection, error) {
	var lastErr error
	delay := dialDelay
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		middleware.Logger.Warn("amqp dial failed",
			slog.Int("attempt", attempt),
			slog.Duration("sleep", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDialDelay {
			delay = maxDialDelay
		}
	}
	return nil, fmt.Errorf("connect to amqp after %d attempts: %w", dialAttempts, lastErr)
}

// RoutingKey maps a realtime event to its export routing key. Events that are
// not exported return "".
func RoutingKey(t models.RealtimeEventType) string {
	switch t {
	case models.RealtimeMessageCreated:
		return KeyMessageCreated
	case models.RealtimeMessageUpdated:
		return KeyMessageUpdated
	case models.RealtimeConversationUpdated, models.RealtimeConversationDeleted:
		return KeyConversationUpdated
	}
	return ""
}

// Publish queues ev for export.
func (p *Publisher) Publish(_ context.Context, ev models.RealtimeEvent) {
	key := RoutingKey(ev.Type)
	if key == "" {
		return
	}
	item := outbound{
		key: key,
		envelope: Envelope{
			ID:             uuid.NewString(),
			Type:           string(ev.Type),
			ConversationID: ev.ConversationID,
			OccurredAt:     p.now().UTC(),
			Payload:        ev.Payload,
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case p.queue <- item:
		return
	default:
	}
	select {
	case <-p.queue:
		observability.FanoutDrops.WithLabelValues("amqp", "full").Inc()
	default:
	}
	select {
	case p.queue <- item:
	default:
		observability.FanoutDrops.WithLabelValues("amqp", "full").Inc()
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			if err := p.send(ctx, item); err != nil {
				observability.FanoutDrops.WithLabelValues("amqp", "error").Inc()
				middleware.Logger.WarnContext(ctx, "event export failed",
					slog.String("key", item.key),
					slog.String("id", item.envelope.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (p *Publisher) send(ctx context.Context, item outbound) error {
	body, err := json.Marshal(item.envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(pubCtx, p.exchange, item.key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     item.envelope.ID,
		CorrelationId: item.envelope.ConversationID,
		Timestamp:     item.envelope.OccurredAt,
		Body:          body,
	})
}

// Pending returns how many events wait to be published.
func (p *Publisher) Pending() int {
	return len(p.queue)
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
