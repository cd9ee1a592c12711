// Package events publishes control-plane events (cron job lifecycle,
// pairing decisions) to Kafka or in-process subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Well-known event types.
const (
	CronAdded       = "cron.added"
	CronUpdated     = "cron.updated"
	CronRemoved     = "cron.removed"
	CronStarted     = "cron.started"
	CronFinished    = "cron.finished"
	PairingApproved = "pairing.approved"
	PairingDenied   = "pairing.denied"
	NodeConnected   = "node.connected"
	NodeGone        = "node.disconnected"
)

// Event is a single control-plane notification.
type Event struct {
	Type    string         `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// New returns an event stamped with the current time.
func New(typ, subject string, data map[string]any) Event {
	return Event{Type: typ, Subject: subject, Time: time.Now().UTC(), Data: data}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Func adapts a function into a Publisher.
type Func func(ctx context.Context, ev Event) error

func (f Func) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
func (f Func) Close() error                                { return nil }

// Multi fans an event out to every publisher. Errors are joined; one
// failing sink never stops the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by subject.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher creates a publisher for a comma-separated broker list.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}}
}

// Publish writes ev synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.Subject),
		Value:   value,
		Time:    ev.Time,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	})
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Emit publishes ev and logs, rather than returns, any failure. Events are
// advisory; callers must not fail an operation because a sink is down.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		slog.Warn("Event publish failed", "type", ev.Type, "subject", ev.Subject, "error", err)
	}
}
