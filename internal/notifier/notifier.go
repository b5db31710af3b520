// Package notifier announces completed generations on NATS.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// A speech generation is a single audio chunk.
const (
	singlePage = 1
)

// NatsNotifier publishes an AudioChunkCreatedEvent for every completed generation.
type NatsNotifier struct {
	natsConnection *nats.Conn
	subject        string
	log            *logger.Logger
}

// NewNatsNotifier creates a notifier publishing on subject.
func NewNatsNotifier(natsConnection *nats.Conn, subject string, log *logger.Logger) *NatsNotifier {
	return &NatsNotifier{
		natsConnection: natsConnection,
		subject:        subject,
		log:            log,
	}
}

// GenerationCompleted publishes the completion event for record.
func (n *NatsNotifier) GenerationCompleted(_ context.Context, record core.GenerationRecord) error {
	event := events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: record.ID,
			EventID:    uuid.NewString(),
			UserID:     record.OwnerID,
			TenantID:   "",
		},
		AudioKey:   record.Filename,
		PageNumber: singlePage,
		TotalPages: singlePage,
	}

	data, err := json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	err = n.natsConnection.Publish(n.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish completion event on '%s': %w", n.subject, err)
	}

	n.log.Info("Published completion event %s for generation %s", event.Header.EventID, record.ID)

	return nil
}

// Noop discards completion events when no broker is configured.
type Noop struct{}

// GenerationCompleted does nothing.
func (Noop) GenerationCompleted(context.Context, core.GenerationRecord) error {
	return nil
}
