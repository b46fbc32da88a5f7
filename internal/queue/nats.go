package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/pkg/logging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	setupTimeout       = 10 * time.Second
	terminationTimeout = 30 * time.Second
	fetchWait          = 5 * time.Second
)

// connect dials NATS and returns a JetStream context.
func connect(cfg *config.QueueConfig) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("vscode-broker"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// NATSPublisher implements Publisher using NATS JetStream.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    *config.QueueConfig
}

// Compile-time check that NATSPublisher implements Publisher.
var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to NATS and ensures the stream exists.
func NewNATSPublisher(cfg *config.QueueConfig) (*NATSPublisher, error) {
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	streamConfig := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "VS Code pool lifecycle events and termination requests",
		Subjects: []string{
			cfg.StreamName + ".events.>",
			terminationSubject(cfg.StreamName),
		},
		// Events fan out to any number of observers, so messages are kept by
		// age rather than removed on ack.
		Retention:  jetstream.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		MaxAge:     24 * time.Hour,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamConfig)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return &NATSPublisher{
		nc:     nc,
		js:     js,
		stream: stream,
		cfg:    cfg,
	}, nil
}

// PublishEvent publishes a lifecycle event.
func (p *NATSPublisher) PublishEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, eventSubject(p.cfg.StreamName, event.Type), data,
		jetstream.WithMsgID(event.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.Type, err)
	}
	return nil
}

// PublishTerminationRequest queues a termination request.
func (p *NATSPublisher) PublishTerminationRequest(ctx context.Context, req TerminationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = p.js.Publish(ctx, terminationSubject(p.cfg.StreamName), data,
		jetstream.WithMsgID(req.TaskID),
	)
	if err != nil {
		return fmt.Errorf("failed to publish termination request: %w", err)
	}
	return nil
}

// Close drains the NATS connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// NATSConsumer implements Consumer using a JetStream pull consumer on the
// termination subject.
type NATSConsumer struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	handler TerminationHandler
	cfg     *config.QueueConfig
	logger  *logging.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// Compile-time check that NATSConsumer implements Consumer.
var _ Consumer = (*NATSConsumer)(nil)

// NewNATSConsumer creates a consumer. The stream must already exist; it is
// created by NewNATSPublisher.
func NewNATSConsumer(cfg *config.QueueConfig, handler TerminationHandler, logger *logging.Logger) (*NATSConsumer, error) {
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get stream %s: %w", cfg.StreamName, err)
	}

	return &NATSConsumer{
		nc:      nc,
		js:      js,
		stream:  stream,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "queue-consumer"),
	}, nil
}

// Start begins consuming termination requests with WorkerCount goroutines.
func (c *NATSConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	cons, err := c.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "termination-workers",
		Description:   "Workers that apply remote termination requests",
		FilterSubject: terminationSubject(c.cfg.StreamName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       terminationTimeout,
		MaxDeliver:    5,
		MaxAckPending: c.cfg.WorkerCount * 2,
	})
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to create termination consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.runWorker(cons, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(c.doneCh)
	}()

	c.logger.Info("NATS consumer started", "workers", c.cfg.WorkerCount, "subject", terminationSubject(c.cfg.StreamName))
	return nil
}

func (c *NATSConsumer) runWorker(cons jetstream.Consumer, workerID int) {
	logger := c.logger.With("worker", workerID)
	logger.Debug("Termination worker started")
	defer logger.Debug("Termination worker stopped")

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("Fetch error", "error", err)
			}
			continue
		}

		for msg := range msgs.Messages() {
			c.processMessage(msg, logger)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			logger.Warn("Messages error", "error", err)
		}
	}
}

// processMessage applies one request. Malformed requests are terminated,
// failures are redelivered.
func (c *NATSConsumer) processMessage(msg jetstream.Msg, logger *logging.Logger) {
	var req TerminationRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		logger.Warn("Malformed termination request", "error", err)
		_ = msg.Term()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminationTimeout)
	defer cancel()

	if err := c.handler(ctx, req); err != nil {
		if errors.Is(err, domain.ErrInvalidInstanceID) {
			logger.Warn("Rejected termination request", "taskID", req.TaskID, "error", err)
			_ = msg.Term()
			return
		}
		logger.Warn("Termination request failed", "taskID", req.TaskID, "instanceID", req.InstanceID, "error", err)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
	logger.Debug("Termination request processed", "taskID", req.TaskID, "instanceID", req.InstanceID)
}

// Stop gracefully stops the consumer.
func (c *NATSConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		if c.nc.IsClosed() {
			return nil
		}
		return c.nc.Drain()
	}
	close(c.stopCh)
	c.running = false
	c.mu.Unlock()

	select {
	case <-c.doneCh:
		c.logger.Info("All NATS consumer workers stopped")
	case <-ctx.Done():
		c.logger.Warn("NATS consumer stop timed out")
	}

	return c.nc.Drain()
}
