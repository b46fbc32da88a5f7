package queue

import (
	"context"
	"sync"
	"time"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

const (
	eventBuffer         = 256
	eventPublishTimeout = 5 * time.Second
)

// EventNotifier forwards pool events to a Publisher from a single
// goroutine. Notify never blocks; when the buffer is full the event is
// dropped and counted.
type EventNotifier struct {
	publisher Publisher
	logger    *logging.Logger
	metrics   *metrics.Collector

	events chan domain.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewEventNotifier starts forwarding events to publisher. m may be nil.
func NewEventNotifier(publisher Publisher, logger *logging.Logger, m *metrics.Collector) *EventNotifier {
	n := &EventNotifier{
		publisher: publisher,
		logger:    logger.With("component", "events"),
		metrics:   m,
		events:    make(chan domain.Event, eventBuffer),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify queues an event for publishing.
func (n *EventNotifier) Notify(event domain.Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}

	select {
	case n.events <- event:
	default:
		n.count("dropped")
		n.logger.Warn("Event buffer full, dropping event", "type", event.Type, "instanceID", event.InstanceID)
	}
}

func (n *EventNotifier) run() {
	defer close(n.done)
	for event := range n.events {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		err := n.publisher.PublishEvent(ctx, event)
		cancel()

		n.count(metrics.Result(err))
		if err != nil {
			n.logger.Warn("Failed to publish event", "type", event.Type, "instanceID", event.InstanceID, "error", err)
		}
	}
}

// Close stops accepting events and waits until queued ones are published.
func (n *EventNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()

	<-n.done
}

func (n *EventNotifier) count(result string) {
	if n.metrics != nil {
		n.metrics.EventsPublishedTotal.WithLabelValues(result).Inc()
	}
}
