// Package events publishes extraction workflow transitions so other systems
// (catalogue sync, reporting) can follow items without polling the backend.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Type string

const (
	Enqueued   Type = "enqueued"
	Processing Type = "processing"
	Approved   Type = "approved"
	Discarded  Type = "discarded"
	Cleared    Type = "cleared"
	Uploaded   Type = "uploaded"
)

type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	ProductID string    `json:"product_id,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

func New(t Type, productID, filename string) Event {
	return Event{ID: uuid.New(), Type: t, ProductID: productID, Filename: filename, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(broker, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

// Publish keys messages by item so a partition sees one item's events in order.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	const op = "events.Publish"
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ProductID + "/" + ev.Filename),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
