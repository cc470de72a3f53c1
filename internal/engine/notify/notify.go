// Package notify publishes run lifecycle events to a RabbitMQ topic exchange.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// Exchange is the topic exchange run events go to.
const Exchange = "role_trends"

// Event routing keys.
const (
	RunStarted   = "run.started"
	RunStage     = "run.stage"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
)

// Event is the JSON body of every message.
type Event struct {
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Stage   string         `json:"stage,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher delivers events. Implementations never fail the caller's run.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}
func (Noop) Close() error                   { return nil }

type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes over a single channel guarded by a mutex.
type AMQP struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
}

// Dial connects and declares the exchange.
func Dial(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	slog.Info("notify: rabbitmq connected", slog.String("exchange", Exchange))
	return &AMQP{conn: conn, ch: ch}, nil
}

// New returns an AMQP publisher when url is set and Noop otherwise. A broker
// that cannot be reached degrades to Noop.
func New(url string) Publisher {
	if url == "" {
		return Noop{}
	}
	p, err := Dial(url)
	if err != nil {
		slog.Warn("notify: disabled", slog.Any("error", err))
		return Noop{}
	}
	return p
}

func (p *AMQP) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notify: marshal event", slog.String("type", ev.Type), slog.Any("error", err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(Exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		slog.Warn("notify: publish failed", slog.String("type", ev.Type), slog.String("run_id", ev.RunID), slog.Any("error", err))
		return
	}
	engine.IncrEventsPublished()
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
