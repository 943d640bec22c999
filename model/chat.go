package model

// Intent is the classified purpose of one inbound message.
type Intent string

// Intents in classification precedence order. IntentGeneral is the fallback.
const (
	IntentQuoteRequest Intent = "quote_request"
	IntentNegotiation  Intent = "negotiation"
	IntentShipping     Intent = "shipping"
	IntentInquiry      Intent = "inquiry"
	IntentGeneral      Intent = "general"
)

// SafetyStatus is the outcome of the safety filter as reported to callers.
type SafetyStatus string

// Safety statuses.
const (
	SafetyAllow SafetyStatus = "allow"
	SafetyBlock SafetyStatus = "block"
)

// SourceSafetyBlock marks a response that was replaced by the safety fallback.
const SourceSafetyBlock = "safety-layer-block"

// HistoryMessage is one prior conversation turn.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is an inbound customer message. CustomerPhone is accepted as
// an alias for CustomerID; without either the message is answered but no
// journey is tracked.
type ChatRequest struct {
	Message       string           `json:"message"`
	History       []HistoryMessage `json:"history,omitempty"`
	CustomerID    string           `json:"customerId,omitempty"`
	CustomerPhone string           `json:"customerPhone,omitempty"`
	CustomerName  string           `json:"customerName,omitempty"`
	ListingID     string           `json:"listingId,omitempty"`
	ThreadID      string           `json:"threadId,omitempty"`
}

// CustomerKey returns the journey key for the request.
func (r ChatRequest) CustomerKey() string {
	if r.CustomerID != "" {
		return r.CustomerID
	}
	return r.CustomerPhone
}

// ChatResponse is the orchestrator result returned to the caller.
// CurrentStage and JourneyID are nil when no journey is tracked.
type ChatResponse struct {
	Response     string       `json:"response"`
	Intent       Intent       `json:"intent"`
	CurrentStage *Stage       `json:"currentStage"`
	JourneyID    *string      `json:"journeyId"`
	ThreadID     string       `json:"threadId,omitempty"`
	SafetyStatus SafetyStatus `json:"safetyStatus"`
	Violations   []string     `json:"violations"`
	Source       string       `json:"source,omitempty"`
}
