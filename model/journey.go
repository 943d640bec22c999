package model

import "time"

// Stage is a journey's position in the deal lifecycle.
type Stage string

// Journey stages. CLOSED is terminal.
const (
	StageInquiry     Stage = "INQUIRY"
	StageNegotiation Stage = "NEGOTIATION"
	StageInspection  Stage = "INSPECTION"
	StageQuote       Stage = "QUOTE"
	StageClosed      Stage = "CLOSED"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{StageInquiry, StageNegotiation, StageInspection, StageQuote, StageClosed}

// Valid reports whether s is a member of the stage enumeration.
func (s Stage) Valid() bool {
	switch s {
	case StageInquiry, StageNegotiation, StageInspection, StageQuote, StageClosed:
		return true
	}
	return false
}

// TriggeredBy identifies who caused a stage transition.
type TriggeredBy string

// Transition triggers.
const (
	TriggeredByAgent    TriggeredBy = "agent"
	TriggeredByCustomer TriggeredBy = "customer"
	TriggeredBySystem   TriggeredBy = "system"
)

// Valid reports whether t is a known trigger.
func (t TriggeredBy) Valid() bool {
	switch t {
	case TriggeredByAgent, TriggeredByCustomer, TriggeredBySystem:
		return true
	}
	return false
}

// Well-known metadata keys written by the orchestrator.
const (
	MetaLastInteraction = "lastInteraction"
	MetaLastMessage     = "lastMessage"
	MetaLastIntent      = "lastIntent"
)

// JourneyRecord is the persisted negotiation journey of one customer. There
// is at most one record per CustomerID.
type JourneyRecord struct {
	ID            string         `json:"id"`
	CustomerID    string         `json:"customerId"`
	CustomerName  string         `json:"customerName,omitempty"`
	ListingID     string         `json:"listingId,omitempty"`
	ThreadID      string         `json:"threadId,omitempty"`
	Stage         Stage          `json:"stage"`
	Metadata      map[string]any `json:"metadata"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastUpdatedAt time.Time      `json:"lastUpdatedAt"`
}

// Clone returns a copy of the record whose metadata map can be mutated
// without affecting r.
func (r JourneyRecord) Clone() JourneyRecord {
	out := r
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// MergeMetadata merges partial into the record's metadata, last write wins
// per key.
func (r *JourneyRecord) MergeMetadata(partial map[string]any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		r.Metadata[k] = v
	}
}

// StageTransition is an immutable audit fact recording one stage change.
type StageTransition struct {
	ID          string      `json:"id"`
	JourneyID   string      `json:"journeyId"`
	CustomerID  string      `json:"customerId"`
	FromStage   Stage       `json:"fromStage"`
	ToStage     Stage       `json:"toStage"`
	TriggeredBy TriggeredBy `json:"triggeredBy"`
	ActingAgent string      `json:"actingAgentName,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	OccurredAt  time.Time   `json:"occurredAt"`
}
