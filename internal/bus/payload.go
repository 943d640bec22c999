package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/pitabwire/dealjourney/model"
)

var (
	// ErrUnknownPayload is returned when an event or task type has no
	// registered payload.
	ErrUnknownPayload = errors.New("bus: unregistered payload type")
	// ErrPayloadMismatch is returned when a payload does not belong to the
	// event or task type it is published under.
	ErrPayloadMismatch = errors.New("bus: payload does not match type")
)

// Payload is the typed body of an event or task. PayloadType names the event
// or task type the body belongs to.
type Payload interface {
	PayloadType() string
}

// LeadCreated announces a newly tracked journey.
type LeadCreated struct {
	JourneyID    string      `json:"journeyId"`
	CustomerID   string      `json:"customerId"`
	CustomerName string      `json:"customerName,omitempty"`
	ListingID    string      `json:"listingId,omitempty"`
	ThreadID     string      `json:"threadId,omitempty"`
	Stage        model.Stage `json:"stage"`
}

func (LeadCreated) PayloadType() string { return model.EventLeadCreated }

// SafetyViolation records that a generated response was blocked. It carries
// rule codes only; the blocked text never leaves the orchestrator.
type SafetyViolation struct {
	JourneyID  string       `json:"journeyId,omitempty"`
	CustomerID string       `json:"customerId,omitempty"`
	ThreadID   string       `json:"threadId,omitempty"`
	Intent     model.Intent `json:"intent"`
	Violations []string     `json:"violations"`
}

func (SafetyViolation) PayloadType() string { return model.EventSafetyViolation }

// GenerateQuote asks the pricing agent for a formal, itemized quote.
type GenerateQuote struct {
	JourneyID  string `json:"journeyId"`
	CustomerID string `json:"customerId"`
	ListingID  string `json:"listingId,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
	Request    string `json:"request"`
}

func (GenerateQuote) PayloadType() string { return model.TaskGenerateQuote }

// ShippingEstimate asks the logistics agent for a shipping estimate.
type ShippingEstimate struct {
	JourneyID  string      `json:"journeyId"`
	CustomerID string      `json:"customerId"`
	ListingID  string      `json:"listingId,omitempty"`
	ThreadID   string      `json:"threadId,omitempty"`
	Stage      model.Stage `json:"stage"`
	Request    string      `json:"request"`
}

func (ShippingEstimate) PayloadType() string { return model.TaskShippingEstimate }

// PayloadRegistry maps event and task types to their payload Go types so
// producers are checked at publish time and consumers decode without
// guessing. It is safe for concurrent use.
type PayloadRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewPayloadRegistry returns a registry holding the built-in payloads.
func NewPayloadRegistry() *PayloadRegistry {
	r := &PayloadRegistry{types: make(map[string]reflect.Type)}
	r.Register(LeadCreated{})
	r.Register(SafetyViolation{})
	r.Register(GenerateQuote{})
	r.Register(ShippingEstimate{})
	return r
}

// Register adds the payload's type under p.PayloadType(). Panics on a
// duplicate registration, since that is a wiring mistake at startup.
func (r *PayloadRegistry) Register(p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := p.PayloadType()
	if _, exists := r.types[kind]; exists {
		panic(fmt.Sprintf("bus: payload %q already registered", kind))
	}
	r.types[kind] = reflect.TypeOf(p)
}

// Types returns all registered type names, sorted.
func (r *PayloadRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for k := range r.types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Encode validates p against kind and returns its JSON encoding.
func (r *PayloadRegistry) Encode(kind string, p Payload) (json.RawMessage, error) {
	r.mu.RLock()
	want, ok := r.types[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, kind)
	}
	if p == nil || reflect.TypeOf(p) != want || p.PayloadType() != kind {
		return nil, fmt.Errorf("%w: %q got %T", ErrPayloadMismatch, kind, p)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return raw, nil
}

// Decode turns raw back into the payload registered for kind.
func (r *PayloadRegistry) Decode(kind string, raw json.RawMessage) (Payload, error) {
	r.mu.RLock()
	typ, ok := r.types[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, kind)
	}
	ptr := reflect.New(typ)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return ptr.Elem().Interface().(Payload), nil
}
