package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher is what the session manager needs from the broadcaster
type Publisher interface {
	Publish(ctx context.Context, evt models.StatusEvent) error
	PublishCompletion(ctx context.Context, evt models.SessionCompletedEvent) error
}

// Sink one delivery target. Sinks that do not care about a kind return nil.
type Sink interface {
	Name() string
	SendStatus(ctx context.Context, evt *models.StatusEvent) error
	SendCompletion(ctx context.Context, evt *models.SessionCompletedEvent) error
}

// ErrStopped is returned when publishing after Stop
var ErrStopped = errors.New("broadcaster stopped")

// Options queue and retry settings, per sink
type Options struct {
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

type envelope struct {
	status     *models.StatusEvent
	completion *models.SessionCompletedEvent
}

func (e envelope) eventID() string {
	if e.status != nil {
		return e.status.EventID
	}
	return e.completion.EventID
}

type sinkWorker struct {
	sink  Sink
	queue chan envelope
}

// Broadcaster fans events out to every sink. Each sink has its own bounded
// queue and worker so a slow sink never delays the others. Status events are
// dropped when a queue is full; completions wait for room.
type Broadcaster struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	workers []*sinkWorker

	mu      sync.RWMutex
	stopped bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a broadcaster; call Start before expecting deliveries
func New(logger *zap.Logger, m *metrics.Metrics, opts Options, sinks ...Sink) *Broadcaster {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	b := &Broadcaster{
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
	b.runCtx, b.cancel = context.WithCancel(context.Background())
	for _, s := range sinks {
		b.workers = append(b.workers, &sinkWorker{sink: s, queue: make(chan envelope, opts.QueueSize)})
	}
	return b
}

// Start launches one worker per sink
func (b *Broadcaster) Start() {
	b.once.Do(func() {
		for _, w := range b.workers {
			b.wg.Add(1)
			go b.run(w)
		}
		b.logger.Info("Broadcaster started", zap.Int("sinks", len(b.workers)))
	})
}

// Stop refuses new events, drains the queues and waits for the workers.
// Retries still pending when ctx expires are abandoned.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	for _, w := range b.workers {
		close(w.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.cancel()
	b.logger.Info("Broadcaster stopped")
	return err
}

// Publish enqueues a status event for every sink without blocking
func (b *Broadcaster) Publish(_ context.Context, evt models.StatusEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrStopped
	}

	for _, w := range b.workers {
		select {
		case w.queue <- envelope{status: &evt}:
		default:
			b.metrics.DeliveryFailed(w.sink.Name())
			b.logger.Warn("Broadcast queue full, status event dropped",
				zap.String("sink", w.sink.Name()),
				zap.String("event_id", evt.EventID),
				zap.String("device_assignment_id", evt.DeviceAssignmentID),
			)
		}
	}
	b.reportQueue()
	return nil
}

// PublishCompletion enqueues a completion for every sink, waiting for room
// until ctx is done
func (b *Broadcaster) PublishCompletion(ctx context.Context, evt models.SessionCompletedEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrStopped
	}

	for _, w := range b.workers {
		select {
		case w.queue <- envelope{completion: &evt}:
		case <-ctx.Done():
			b.metrics.DeliveryFailed(w.sink.Name())
			b.logger.Error("Completion not enqueued",
				zap.String("sink", w.sink.Name()),
				zap.String("session_id", evt.SessionID),
				zap.Error(ctx.Err()),
			)
			return ctx.Err()
		}
	}
	b.reportQueue()
	return nil
}

func (b *Broadcaster) reportQueue() {
	n := 0
	for _, w := range b.workers {
		n += len(w.queue)
	}
	b.metrics.QueueLength(n)
}

func (b *Broadcaster) run(w *sinkWorker) {
	defer b.wg.Done()
	for env := range w.queue {
		b.deliver(w.sink, env)
	}
}

func (b *Broadcaster) deliver(sink Sink, env envelope) {
	var err error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if env.status != nil {
			err = sink.SendStatus(b.runCtx, env.status)
		} else {
			err = sink.SendCompletion(b.runCtx, env.completion)
		}
		if err == nil {
			b.metrics.Delivered(sink.Name())
			return
		}
		if attempt == b.opts.MaxAttempts {
			break
		}
		b.logger.Warn("Broadcast delivery failed, retrying",
			zap.String("sink", sink.Name()),
			zap.String("event_id", env.eventID()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-time.After(b.opts.RetryBackoff * time.Duration(attempt)):
		case <-b.runCtx.Done():
			b.metrics.DeliveryFailed(sink.Name())
			return
		}
	}
	b.metrics.DeliveryFailed(sink.Name())
	b.logger.Error("Broadcast delivery abandoned",
		zap.String("sink", sink.Name()),
		zap.String("event_id", env.eventID()),
		zap.Int("attempts", b.opts.MaxAttempts),
		zap.Error(err),
	)
}
