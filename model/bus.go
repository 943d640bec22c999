package model

import (
	"encoding/json"
	"time"
)

// Well-known agent names.
const (
	AgentOrchestrator = "orchestrator"
	AgentInquiry      = "inquiry-agent"
	AgentNegotiation  = "negotiation-agent"
	AgentPricing      = "pricing-agent"
	AgentLogistics    = "logistics-agent"
	AgentCompliance   = "compliance-agent"
	AgentCRM          = "crm-agent"
)

// Event and task types.
const (
	EventLeadCreated     = "lead.created"
	EventSafetyViolation = "safety.violation"

	TaskGenerateQuote    = "generate_quote"
	TaskShippingEstimate = "shipping_estimate"
)

// TaskAssignment is a unit of work handed from one agent to another. A higher
// Priority is more urgent. The payload is the JSON encoding of the typed
// payload registered for TaskType.
type TaskAssignment struct {
	ID          string          `json:"id"`
	TaskType    string          `json:"taskType"`
	TargetAgent string          `json:"targetAgent"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	RequestedBy string          `json:"requestedBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
}

// Expired reports whether the task has passed its expiry at now.
func (t TaskAssignment) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Event is a best-effort notification delivered to each named subscriber.
type Event struct {
	ID          string          `json:"id"`
	EventType   string          `json:"eventType"`
	SourceAgent string          `json:"sourceAgent"`
	Payload     json.RawMessage `json:"payload"`
	Subscribers []string        `json:"subscribers"`
	OccurredAt  time.Time       `json:"occurredAt"`
}
