/**
 * @description
 * This package publishes drop-service events to RabbitMQ. Events are notifications
 * for downstream consumers (seller dashboards, analytics); the download path never
 * waits on a consumer.
 *
 * @dependencies
 * - context, encoding/json, sync, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/instadrop/drop-service/internal/domain"
	"github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "instadrop.events"

	RoutingKeyDownloadCompleted   = "drop.download.completed"
	RoutingKeyVerificationSkipped = "drop.verification.skipped"
	RoutingKeyDropCreated         = "drop.created"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
	PublishDownloadEvent(ctx context.Context, event domain.DownloadEvent) error
	PublishDropCreated(ctx context.Context, drop domain.Drop) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" routing_key=%s", routingKey)
	return nil
}

func (p *EventProducerFallback) PublishDownloadEvent(ctx context.Context, event domain.DownloadEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"download event publish skipped\" drop_id=%s outcome=%s", event.DropID, event.Outcome)
	return nil
}

func (p *EventProducerFallback) PublishDropCreated(ctx context.Context, drop domain.Drop) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"drop created event publish skipped\" drop_id=%s", drop.ID)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Stray characters sometimes precede the scheme when the URL comes from a pasted .env line.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and declares the events exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &EventProducer{exchange: exchange, conn: conn, channel: ch}, nil
}

func declareExchange(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// Publish sends a JSON message to the events exchange. A failed publish reopens the
// channel once and retries.
func (p *EventProducer) Publish(ctx context.Context, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" routing_key=%s err=%v", routingKey, err)
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", p.exchange, routingKey, err)
	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	if exErr := declareExchange(p.channel, p.exchange); exErr != nil {
		return exErr
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// PublishDownloadEvent publishes a completed download. Downloads served without a
// ledger check use their own routing key so they can be audited separately.
func (p *EventProducer) PublishDownloadEvent(ctx context.Context, event domain.DownloadEvent) error {
	return p.Publish(ctx, DownloadRoutingKey(event), event)
}

// PublishDropCreated publishes a newly listed drop.
func (p *EventProducer) PublishDropCreated(ctx context.Context, drop domain.Drop) error {
	return p.Publish(ctx, RoutingKeyDropCreated, drop)
}

// DownloadRoutingKey picks the routing key for a download event.
func DownloadRoutingKey(event domain.DownloadEvent) string {
	if event.Outcome == domain.DownloadOutcomeSkipped {
		return RoutingKeyVerificationSkipped
	}
	return RoutingKeyDownloadCompleted
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
