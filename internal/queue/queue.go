package queue

import (
	"context"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
)

// Publisher publishes pool lifecycle events.
// Implementation: NATS JetStream.
type Publisher interface {
	// PublishEvent publishes an event on <stream>.events.<type>.
	// Redelivered events with the same ID are deduplicated by the stream.
	PublishEvent(ctx context.Context, event domain.Event) error

	// PublishTerminationRequest queues a remote termination request.
	PublishTerminationRequest(ctx context.Context, req TerminationRequest) error

	// Close closes the publisher connection.
	Close() error
}

// Consumer defines the interface for consuming requests from the queue.
type Consumer interface {
	// Start begins consuming messages and processing them with the handler.
	Start(ctx context.Context) error

	// Stop gracefully stops the consumer.
	Stop(ctx context.Context) error
}

// TerminationRequest asks the broker to schedule, or with Cancel set to
// cancel, the teardown of an instance. Sent by clients that lost or
// regained their session connection.
type TerminationRequest struct {
	TaskID     string    `json:"task_id"`
	InstanceID string    `json:"instance_id"`
	Cancel     bool      `json:"cancel,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TerminationHandler processes termination requests.
type TerminationHandler func(ctx context.Context, req TerminationRequest) error

// Subjects within the stream.
func eventSubject(stream string, eventType domain.EventType) string {
	return stream + ".events." + string(eventType)
}

func terminationSubject(stream string) string {
	return stream + ".terminations"
}
