package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
	block  chan struct{}
}

func (p *fakePublisher) PublishEvent(ctx context.Context, event domain.Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) PublishTerminationRequest(ctx context.Context, req TerminationRequest) error {
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func TestEventNotifier_PublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.NewCollector()
	n := NewEventNotifier(pub, logging.Nop(), m)

	n.Notify(domain.Event{ID: "1", Type: domain.EventInstanceAssigned, InstanceID: "i-1"})
	n.Notify(domain.Event{ID: "2", Type: domain.EventTerminationScheduled, InstanceID: "i-1"})
	n.Close()

	got := pub.published()
	if len(got) != 2 {
		t.Fatalf("published %d events, want 2", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("published order = [%s %s], want [1 2]", got[0].ID, got[1].ID)
	}
	if v := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("success")); v != 2 {
		t.Errorf("events_published_total{success} = %v, want 2", v)
	}
}

func TestEventNotifier_CountsFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	m := metrics.NewCollector()
	n := NewEventNotifier(pub, logging.Nop(), m)

	n.Notify(domain.Event{ID: "1", Type: domain.EventInstanceTerminated})
	n.Close()

	if v := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("failure")); v != 1 {
		t.Errorf("events_published_total{failure} = %v, want 1", v)
	}
}

func TestEventNotifier_DropsWhenFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	m := metrics.NewCollector()
	n := NewEventNotifier(pub, logging.Nop(), m)

	// One event is held by the blocked publisher, the rest fill the buffer.
	for i := 0; i < eventBuffer+10; i++ {
		n.Notify(domain.Event{Type: domain.EventScaleRequested})
	}

	if v := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("dropped")); v < 9 {
		t.Errorf("events_published_total{dropped} = %v, want at least 9", v)
	}

	close(pub.block)
	n.Close()
}

func TestEventNotifier_NotifyAfterClose(t *testing.T) {
	pub := &fakePublisher{}
	n := NewEventNotifier(pub, logging.Nop(), nil)
	n.Close()
	n.Close()

	n.Notify(domain.Event{Type: domain.EventInstanceReleased})

	if got := pub.published(); len(got) != 0 {
		t.Errorf("published %d events after Close, want 0", len(got))
	}
}
