// Package bus lets the orchestrator notify downstream agents of events and
// hand them work. Events are fanned out best-effort; tasks are queued per
// target agent until claimed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/model"
)

// ErrUnknownSubscriber is reported when an event names an agent that has
// no registered deliverer.
var ErrUnknownSubscriber = errors.New("bus: unknown subscriber")

// DeliveryFailure records one subscriber that did not receive an event. It
// is informational and never returned as an error.
type DeliveryFailure struct {
	Subscriber string
	Err        error
}

func (f DeliveryFailure) String() string {
	return fmt.Sprintf("%s: %v", f.Subscriber, f.Err)
}

// TaskOptions tunes an assigned task. A higher Priority is more urgent.
// TTL <= 0 uses the bus default; a negative bus default disables expiry.
type TaskOptions struct {
	Priority    int
	RequestedBy string
	TTL         time.Duration
}

// Options configures a Bus.
type Options struct {
	// DeliveryTimeout bounds each subscriber delivery. Defaults to 3s.
	DeliveryTimeout time.Duration
	// TaskTTL is the default task expiry. Zero means tasks never expire.
	TaskTTL time.Duration
}

// Bus is the task and event bus. It is safe for concurrent use.
type Bus struct {
	agents          *AgentRegistry
	queue           TaskQueue
	payloads        *PayloadRegistry
	logger          *zap.Logger
	metrics         *observability.Metrics
	deliveryTimeout time.Duration
	taskTTL         time.Duration
	ids             *idSource
	now             func() time.Time
}

// New creates a bus. payloads defaults to NewPayloadRegistry(); logger and
// metrics may be nil.
func New(agents *AgentRegistry, queue TaskQueue, payloads *PayloadRegistry, logger *zap.Logger, metrics *observability.Metrics, opts Options) *Bus {
	if payloads == nil {
		payloads = NewPayloadRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 3 * time.Second
	}
	return &Bus{
		agents:          agents,
		queue:           queue,
		payloads:        payloads,
		logger:          logger,
		metrics:         metrics,
		deliveryTimeout: opts.DeliveryTimeout,
		taskTTL:         opts.TaskTTL,
		ids:             newIDSource(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Payloads returns the payload registry.
func (b *Bus) Payloads() *PayloadRegistry { return b.payloads }

// Agents returns the agent registry.
func (b *Bus) Agents() *AgentRegistry { return b.agents }

// EmitEvent builds an event and delivers it to every subscriber
// concurrently. The returned error is non-nil only when the payload is
// invalid for eventType; per-subscriber failures are collected in the
// returned slice and never stop delivery to the others.
func (b *Bus) EmitEvent(ctx context.Context, eventType, sourceAgent string, payload Payload, subscribers []string) (model.Event, []DeliveryFailure, error) {
	event, err := b.newEvent(eventType, sourceAgent, payload, subscribers)
	if err != nil {
		return model.Event{}, nil, err
	}
	return event, b.publish(ctx, event), nil
}

func (b *Bus) newEvent(eventType, sourceAgent string, payload Payload, subscribers []string) (model.Event, error) {
	raw, err := b.payloads.Encode(eventType, payload)
	if err != nil {
		return model.Event{}, err
	}
	now := b.now()
	subs := make([]string, len(subscribers))
	copy(subs, subscribers)
	return model.Event{
		ID:          b.ids.next(now),
		EventType:   eventType,
		SourceAgent: sourceAgent,
		Payload:     raw,
		Subscribers: subs,
		OccurredAt:  now,
	}, nil
}

// publish fans event out to its subscribers and waits for every delivery
// to finish or time out.
func (b *Bus) publish(ctx context.Context, event model.Event) []DeliveryFailure {
	ctx, span := observability.StartSpan(ctx, "bus.emit_event",
		observability.AttrEventType.String(event.EventType),
	)
	defer span.End()

	b.metrics.RecordEventEmitted(event.EventType)
	if len(event.Subscribers) == 0 {
		return nil
	}

	ch := make(chan DeliveryFailure, len(event.Subscribers))
	var wg sync.WaitGroup
	for _, sub := range event.Subscribers {
		wg.Add(1)
		go func(sub string) {
			defer wg.Done()
			if err := b.deliver(ctx, sub, event); err != nil {
				ch <- DeliveryFailure{Subscriber: sub, Err: err}
			}
		}(sub)
	}
	wg.Wait()
	close(ch)

	var failures []DeliveryFailure
	logger := observability.RequestLogger(ctx, b.logger)
	for f := range ch {
		b.metrics.RecordDeliveryFailure(event.EventType, f.Subscriber)
		logger.Warn("event delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.String("subscriber", f.Subscriber),
			zap.Error(f.Err),
		)
		failures = append(failures, f)
	}
	return failures
}

// deliver runs a single subscriber delivery with a timeout.
func (b *Bus) deliver(ctx context.Context, subscriber string, event model.Event) error {
	d, ok := b.agents.Get(subscriber)
	if !ok {
		return ErrUnknownSubscriber
	}

	ctx, cancel := context.WithTimeout(ctx, b.deliveryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Deliver(ctx, event) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AssignTask creates a task for targetAgent and enqueues it. It succeeds
// whether or not the agent is currently registered.
func (b *Bus) AssignTask(ctx context.Context, taskType, targetAgent string, payload Payload, opts TaskOptions) (model.TaskAssignment, error) {
	task, err := b.newTask(taskType, targetAgent, payload, opts)
	if err != nil {
		return model.TaskAssignment{}, err
	}
	if err := b.enqueue(ctx, task); err != nil {
		return model.TaskAssignment{}, err
	}
	return task, nil
}

func (b *Bus) newTask(taskType, targetAgent string, payload Payload, opts TaskOptions) (model.TaskAssignment, error) {
	if targetAgent == "" {
		return model.TaskAssignment{}, fmt.Errorf("bus: task %q has no target agent", taskType)
	}
	raw, err := b.payloads.Encode(taskType, payload)
	if err != nil {
		return model.TaskAssignment{}, err
	}

	now := b.now()
	task := model.TaskAssignment{
		ID:          b.ids.next(now),
		TaskType:    taskType,
		TargetAgent: targetAgent,
		Payload:     raw,
		Priority:    opts.Priority,
		RequestedBy: opts.RequestedBy,
		CreatedAt:   now,
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = b.taskTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		task.ExpiresAt = &exp
	}
	return task, nil
}

func (b *Bus) enqueue(ctx context.Context, task model.TaskAssignment) error {
	ctx, span := observability.StartSpan(ctx, "bus.assign_task",
		observability.AttrTaskType.String(task.TaskType),
		observability.AttrAgent.String(task.TargetAgent),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if err = b.queue.Enqueue(ctx, task); err != nil {
		return err
	}

	b.metrics.RecordTaskAssigned(task.TaskType, task.TargetAgent)
	observability.RequestLogger(ctx, b.logger).Info("task assigned",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.String("target_agent", task.TargetAgent),
		zap.Int("priority", task.Priority),
	)
	return nil
}

// ClaimTask pops the next task for agent. ok is false when none is queued.
func (b *Bus) ClaimTask(ctx context.Context, agent string) (task model.TaskAssignment, ok bool, err error) {
	return b.queue.Claim(ctx, agent)
}

// PendingTasks returns the queue length for agent.
func (b *Bus) PendingTasks(ctx context.Context, agent string) (int, error) {
	return b.queue.Len(ctx, agent)
}
