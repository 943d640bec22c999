package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/model"
)

// ErrInboxFull is returned by MemoryInbox when it holds its capacity.
var ErrInboxFull = errors.New("bus: agent inbox full")

// Deliverer hands one event to one downstream agent.
type Deliverer interface {
	Deliver(ctx context.Context, event model.Event) error
}

// DelivererFunc adapts an in-process callback to Deliverer.
type DelivererFunc func(ctx context.Context, event model.Event) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

// MemoryInbox is a bounded in-process inbox drained by the owning agent
// through the operator API. A full inbox rejects new events.
type MemoryInbox struct {
	mu       sync.Mutex
	events   []model.Event
	capacity int
}

// NewMemoryInbox creates an inbox that holds at most capacity events.
func NewMemoryInbox(capacity int) *MemoryInbox {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryInbox{capacity: capacity}
}

// Deliver appends event, or fails with ErrInboxFull.
func (in *MemoryInbox) Deliver(ctx context.Context, event model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.events) >= in.capacity {
		return ErrInboxFull
	}
	in.events = append(in.events, event)
	return nil
}

// Drain removes and returns up to max events, oldest first. max <= 0
// drains everything.
func (in *MemoryInbox) Drain(max int) []model.Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.events)
	if max > 0 && max < n {
		n = max
	}
	out := make([]model.Event, n)
	copy(out, in.events[:n])
	in.events = append(in.events[:0], in.events[n:]...)
	return out
}

// Len returns the number of undrained events.
func (in *MemoryInbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events)
}

// WebhookDeliverer POSTs each event as JSON to a fixed URL. Any non-2xx
// response is a delivery failure.
type WebhookDeliverer struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhookDeliverer creates a webhook deliverer. timeout bounds each
// delivery on top of the caller's context; zero means the caller's deadline
// alone applies.
func NewWebhookDeliverer(url string, client *http.Client, timeout time.Duration) *WebhookDeliverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookDeliverer{url: url, client: client, timeout: timeout}
}

// Deliver sends event to the webhook URL.
func (w *WebhookDeliverer) Deliver(ctx context.Context, event model.Event) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event.EventType)
	req.Header.Set("X-Event-ID", event.ID)
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", w.url, resp.StatusCode)
	}
	return nil
}

// AgentRegistry resolves downstream agent names to deliverers. It is safe
// for concurrent use after initial registration.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Deliverer
}

// NewAgentRegistry creates an empty agent registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Deliverer)}
}

// Register adds a deliverer under name. Panics if name is already
// registered, since this indicates a wiring mistake at startup.
func (r *AgentRegistry) Register(name string, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		panic(fmt.Sprintf("bus: agent %q already registered", name))
	}
	r.agents[name] = d
}

// Get returns the deliverer registered under name.
func (r *AgentRegistry) Get(name string) (Deliverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[name]
	return d, ok
}

// Inbox returns the agent's MemoryInbox, or false when the agent is unknown
// or delivered some other way.
func (r *AgentRegistry) Inbox(name string) (*MemoryInbox, bool) {
	d, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	in, ok := d.(*MemoryInbox)
	return in, ok
}

// Names returns all registered agent names, sorted alphabetically.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
