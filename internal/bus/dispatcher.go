package bus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/observability"
)

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("bus: dispatcher closed")

type batch struct {
	ctx    context.Context
	outbox *Outbox
}

// Dispatcher publishes outboxes on background workers so that fan-out never
// delays the customer-facing response. Intents inside one outbox are sent
// in order; separate outboxes may interleave.
type Dispatcher struct {
	batches chan batch
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines reading from a buffer of the given
// size. Call Close to drain and stop them.
func NewDispatcher(workers, buffer int, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		batches: make(chan batch, buffer),
		logger:  logger,
		metrics: metrics,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.run()
	}
	return d
}

// Dispatch hands ob to the workers. It blocks only while the buffer is
// full, and returns ctx.Err() if ctx ends first. The batch itself runs
// detached from ctx's cancellation but keeps its values.
func (d *Dispatcher) Dispatch(ctx context.Context, ob *Outbox) error {
	if ob.Len() == 0 {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.batches <- batch{ctx: context.WithoutCancel(ctx), outbox: ob}:
		d.metrics.SetDispatchQueueDepth(len(d.batches))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for b := range d.batches {
		d.metrics.SetDispatchQueueDepth(len(d.batches))
		failures := b.outbox.Publish(b.ctx)
		if len(failures) > 0 {
			observability.RequestLogger(b.ctx, d.logger).Debug("outbox published with failures",
				zap.Int("intents", b.outbox.Len()),
				zap.Int("failures", len(failures)),
			)
		}
	}
}

// Close stops accepting outboxes, publishes everything already buffered and
// waits for the workers to exit, or returns ctx.Err() if ctx ends first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.batches)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
