package bus

import (
	"context"

	"github.com/pitabwire/dealjourney/model"
)

type intentKind int

const (
	intentEvent intentKind = iota + 1
	intentTask
)

type dispatchIntent struct {
	kind  intentKind
	event model.Event
	task  model.TaskAssignment
}

// Outbox collects the events and tasks one request wants to send, in the
// order they were added. Payloads are validated when added; nothing is sent
// until the outbox is published. An Outbox is not safe for concurrent use.
type Outbox struct {
	bus     *Bus
	intents []dispatchIntent
}

// NewOutbox creates an empty outbox bound to b.
func (b *Bus) NewOutbox() *Outbox {
	return &Outbox{bus: b}
}

// EmitEvent queues an event for publishing.
func (o *Outbox) EmitEvent(eventType, sourceAgent string, payload Payload, subscribers ...string) (model.Event, error) {
	event, err := o.bus.newEvent(eventType, sourceAgent, payload, subscribers)
	if err != nil {
		return model.Event{}, err
	}
	o.intents = append(o.intents, dispatchIntent{kind: intentEvent, event: event})
	return event, nil
}

// AssignTask queues a task for enqueueing.
func (o *Outbox) AssignTask(taskType, targetAgent string, payload Payload, opts TaskOptions) (model.TaskAssignment, error) {
	task, err := o.bus.newTask(taskType, targetAgent, payload, opts)
	if err != nil {
		return model.TaskAssignment{}, err
	}
	o.intents = append(o.intents, dispatchIntent{kind: intentTask, task: task})
	return task, nil
}

// Len returns the number of queued intents.
func (o *Outbox) Len() int {
	if o == nil {
		return 0
	}
	return len(o.intents)
}

// Events returns the queued events in order.
func (o *Outbox) Events() []model.Event {
	var out []model.Event
	for _, in := range o.intents {
		if in.kind == intentEvent {
			out = append(out, in.event)
		}
	}
	return out
}

// Tasks returns the queued tasks in order.
func (o *Outbox) Tasks() []model.TaskAssignment {
	var out []model.TaskAssignment
	for _, in := range o.intents {
		if in.kind == intentTask {
			out = append(out, in.task)
		}
	}
	return out
}

// Publish sends every intent in order and returns the delivery failures.
// A task that cannot be enqueued is reported as a failure against its
// target agent.
func (o *Outbox) Publish(ctx context.Context) []DeliveryFailure {
	var failures []DeliveryFailure
	for _, in := range o.intents {
		switch in.kind {
		case intentEvent:
			failures = append(failures, o.bus.publish(ctx, in.event)...)
		case intentTask:
			if err := o.bus.enqueue(ctx, in.task); err != nil {
				o.bus.metrics.RecordDeliveryFailure(in.task.TaskType, in.task.TargetAgent)
				failures = append(failures, DeliveryFailure{Subscriber: in.task.TargetAgent, Err: err})
			}
		}
	}
	return failures
}

// Inline publishes outboxes synchronously on the caller's goroutine.
type Inline struct{}

// Dispatch publishes ob before returning.
func (Inline) Dispatch(ctx context.Context, ob *Outbox) error {
	if ob.Len() == 0 {
		return nil
	}
	ob.Publish(ctx)
	return nil
}
