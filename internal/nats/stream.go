package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

const (
	// StreamName is the name of the intake transcript stream.
	StreamName = "INTAKE"

	// SubjectPrefix is the prefix for all intake subjects.
	SubjectPrefix = "intake"

	fetchBatch = 256
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the intake stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Intake session transcripts and lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a transcript message.
func MessageSubject(sessionID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, sessionID, role)
}

// EventSubject returns the subject for a session event.
func EventSubject(sessionID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, sessionID, eventType)
}

// SessionFilter returns the filter subject for all messages in a session.
func SessionFilter(sessionID string) string {
	return fmt.Sprintf("%s.%s.msg.>", SubjectPrefix, sessionID)
}

// PublishMessage publishes a transcript message to JetStream.
func (m *StreamManager) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, MessageSubject(msg.SessionID, msg.Role), data,
		jetstream.WithMsgID(msg.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	return ack.Sequence, nil
}

// PublishEvent publishes a session event to JetStream.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(event.SessionID, event.Type), data,
		jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence

	return nil
}

// GetMessages reads a session's full transcript through an ephemeral consumer.
func (m *StreamManager) GetMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     SessionFilter(sessionID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	pending := int(consumer.CachedInfo().NumPending)
	messages := make([]model.Message, 0, pending)

	for len(messages) < pending {
		batchSize := pending - len(messages)
		if batchSize > fetchBatch {
			batchSize = fetchBatch
		}

		batch, err := consumer.Fetch(batchSize, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++

			var message model.Message
			if err := json.Unmarshal(msg.Data(), &message); err != nil {
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				message.Sequence = meta.Sequence.Stream
			}
			messages = append(messages, message)
		}

		if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
	}

	return messages, nil
}

// EventPublisher publishes session events to the intake stream.
type EventPublisher struct {
	streams *StreamManager
}

// NewEventPublisher creates an event publisher over streams.
func NewEventPublisher(streams *StreamManager) *EventPublisher {
	return &EventPublisher{streams: streams}
}

// Publish publishes event.
func (p *EventPublisher) Publish(ctx context.Context, event *model.SessionEvent) error {
	return p.streams.PublishEvent(ctx, event)
}
