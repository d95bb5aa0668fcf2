// Package reconcile delivers usage reports and audit events to the authority
// at least once, spilling to a durable buffer whenever delivery cannot keep up.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/metrics"
)

const spillTimeout = 5 * time.Second

// Config holds queue parameters.
type Config struct {
	Capacity       int
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReplayInterval time.Duration
	ReplayBatch    int
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 5 * time.Second
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = 10 * time.Second
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = 100
	}
}

// Queue is a bounded in-memory queue backed by a durable store.
type Queue struct {
	sink   Sink
	store  Store
	cfg    Config
	logger *zap.Logger

	ch     chan Event
	mu     sync.RWMutex
	closed bool

	runCtx context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue. Call Start to begin delivery.
func New(sink Sink, store Store, cfg Config, logger *zap.Logger) *Queue {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sink:   sink,
		store:  store,
		cfg:    cfg,
		logger: logger,
		ch:     make(chan Event, cfg.Capacity),
		runCtx: ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
}

// Start launches the delivery workers and the replay loop.
func (q *Queue) Start() {
	for range q.cfg.Workers {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.replayLoop()
}

// Enqueue hands ev to the workers. It never blocks on the sink: a full queue
// spills to the durable store.
func (q *Queue) Enqueue(ev Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.spill(ev)
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.spill(ev)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for ev := range q.ch {
		q.deliver(q.runCtx, ev)
	}
}

// deliver retries with exponential backoff and spills after the last attempt.
func (q *Queue) deliver(ctx context.Context, ev Event) {
	backoff := q.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := q.sink.Deliver(ctx, ev)
		if err == nil {
			metrics.QueueEventsTotal.WithLabelValues(string(ev.Kind), "delivered").Inc()
			return
		}
		if !retryable(err) {
			q.drop(ev, err)
			return
		}
		if attempt >= q.cfg.MaxAttempts || ctx.Err() != nil {
			q.logger.Warn("delivery failed, buffering",
				zap.String("kind", string(ev.Kind)),
				zap.String("key", ev.Key),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			break
		}

		metrics.QueueEventsTotal.WithLabelValues(string(ev.Kind), "retried").Inc()
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		backoff = min(backoff*2, q.cfg.MaxBackoff)
	}
	q.spill(ev)
}

func (q *Queue) spill(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), spillTimeout)
	defer cancel()

	if err := q.store.Append(ctx, ev.Kind, ev.Key, ev.Payload); err != nil {
		metrics.QueueEventsTotal.WithLabelValues(string(ev.Kind), "lost").Inc()
		q.logger.Error("buffer append failed, event lost",
			zap.String("kind", string(ev.Kind)),
			zap.String("key", ev.Key),
			zap.Error(err),
		)
		return
	}
	metrics.QueueEventsTotal.WithLabelValues(string(ev.Kind), "spilled").Inc()
	metrics.QueueBuffered.Inc()
}

func (q *Queue) drop(ev Event, err error) {
	metrics.QueueEventsTotal.WithLabelValues(string(ev.Kind), "dropped").Inc()
	q.logger.Error("event rejected by sink, dropping",
		zap.String("kind", string(ev.Kind)),
		zap.String("key", ev.Key),
		zap.Error(err),
	)
}

func (q *Queue) replayLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		if _, err := q.Replay(q.runCtx); err != nil {
			q.logger.Debug("replay stopped", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-q.stop:
			return
		}
	}
}

// Replay delivers buffered events in FIFO order and returns how many were
// acknowledged. It stops at the first retryable failure.
func (q *Queue) Replay(ctx context.Context) (int, error) {
	defer q.syncBuffered(ctx)

	entries, err := q.store.Pending(ctx, q.cfg.ReplayBatch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		ev := Event{Kind: e.Kind, Key: e.Key, Payload: e.Payload}
		if err := q.sink.Deliver(ctx, ev); err != nil {
			if retryable(err) {
				return n, err
			}
			q.drop(ev, err)
		} else {
			metrics.QueueEventsTotal.WithLabelValues(string(e.Kind), "replayed").Inc()
		}
		if err := q.store.Ack(ctx, e.Seq); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		q.logger.Info("replayed buffered events", zap.Int("count", n))
	}
	return n, nil
}

func (q *Queue) syncBuffered(ctx context.Context) {
	if n, err := q.store.Count(ctx); err == nil {
		metrics.QueueBuffered.Set(float64(n))
	}
}

// Close stops accepting events and drains in-memory events through the
// workers. When ctx expires first, undelivered events are buffered.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
		err = ctx.Err()
	}
	q.cancel()

	// Left over when workers were never started.
	for ev := range q.ch {
		q.spill(ev)
	}
	return err
}

// retryable reports whether delivery may succeed later. Anything else is a
// permanent rejection by the sink.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrDependencyUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
