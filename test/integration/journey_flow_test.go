package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/dealjourney/model"
)

// TestJourneyFlow drives one customer from first contact to a formal quote
// over HTTP, against each persistent backend.
func TestJourneyFlow(t *testing.T) {
	backends := []struct {
		name string
		opts []HarnessOption
	}{
		{"memory", nil},
		{"sqlite", []HarnessOption{WithSQLiteStore()}},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			runJourneyFlow(t, NewTestHarness(t, b.opts...))
		})
	}
}

func runJourneyFlow(t *testing.T, h *TestHarness) {
	token := h.OperatorToken()

	// --- first contact opens the journey ---

	h.Generator.RespondWith("Hello Amina, the Sonata is available.")
	var resp model.ChatResponse
	h.AssertJSON(t, h.Chat("198.51.100.1", ChatFixture("cust-1", "hi, is the Sonata available?")), http.StatusOK, &resp)

	if resp.Intent != model.IntentInquiry {
		t.Errorf("intent = %s, want inquiry", resp.Intent)
	}
	if resp.CurrentStage == nil || *resp.CurrentStage != model.StageInquiry {
		t.Fatalf("stage = %v, want INQUIRY", resp.CurrentStage)
	}
	if resp.JourneyID == nil {
		t.Fatal("journeyId should be set")
	}
	if resp.Response != "Hello Amina, the Sonata is available." {
		t.Errorf("response = %q", resp.Response)
	}
	journeyID := *resp.JourneyID

	last := h.Generator.LastRequest()
	if last == nil || last.Profile != "inquiry" || last.CustomerName != "Amina" {
		t.Errorf("generator request = %+v, want inquiry profile for Amina", last)
	}
	if got := last.Headers.Get("Authorization"); got != "Bearer test-api-key" {
		t.Errorf("Authorization = %q, want bearer API key", got)
	}

	var leads struct {
		Data []model.Event `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/agents/crm-agent/events", token), http.StatusOK, &leads)
	if len(leads.Data) != 1 || leads.Data[0].EventType != model.EventLeadCreated {
		t.Fatalf("crm events = %s, want one lead.created", FormatJSON(leads.Data))
	}

	// --- price talk moves to negotiation ---

	h.AssertJSON(t, h.Chat("198.51.100.1", ChatFixture("cust-1", "what is your best price?")), http.StatusOK, &resp)
	if resp.Intent != model.IntentNegotiation || *resp.CurrentStage != model.StageNegotiation {
		t.Fatalf("after negotiation: intent %s stage %s", resp.Intent, *resp.CurrentStage)
	}
	if got := h.Generator.LastRequest().Profile; got != "negotiation" {
		t.Errorf("profile = %q, want negotiation", got)
	}

	// --- formal quote moves to quote and hands work to pricing ---

	h.AssertJSON(t, h.Chat("198.51.100.1", ChatFixture("cust-1", "please send a formal quote")), http.StatusOK, &resp)
	if resp.Intent != model.IntentQuoteRequest || *resp.CurrentStage != model.StageQuote {
		t.Fatalf("after quote: intent %s stage %s", resp.Intent, *resp.CurrentStage)
	}
	if *resp.JourneyID != journeyID {
		t.Errorf("journeyId changed: %s -> %s", journeyID, *resp.JourneyID)
	}

	var task model.TaskAssignment
	h.AssertJSON(t, h.POST("/v1/agents/pricing-agent/tasks/claim", nil, token), http.StatusOK, &task)
	if task.TaskType != model.TaskGenerateQuote || task.RequestedBy != model.AgentOrchestrator {
		t.Errorf("task = %s", FormatJSON(task))
	}
	if task.ExpiresAt == nil {
		t.Error("task should carry the configured TTL")
	}
	h.AssertStatus(t, h.POST("/v1/agents/pricing-agent/tasks/claim", nil, token), http.StatusNoContent)

	// --- shipping question hands work to logistics without a stage change ---

	h.AssertJSON(t, h.Chat("198.51.100.1", ChatFixture("cust-1", "can you ship it to Lagos port?")), http.StatusOK, &resp)
	if resp.Intent != model.IntentShipping || *resp.CurrentStage != model.StageQuote {
		t.Errorf("after shipping: intent %s stage %s", resp.Intent, *resp.CurrentStage)
	}
	h.AssertJSON(t, h.POST("/v1/agents/logistics-agent/tasks/claim", nil, token), http.StatusOK, &task)
	if task.TaskType != model.TaskShippingEstimate {
		t.Errorf("task type = %s, want shipping_estimate", task.TaskType)
	}

	// --- operator view ---

	var rec model.JourneyRecord
	h.AssertJSON(t, h.GET("/v1/journeys/cust-1", token), http.StatusOK, &rec)
	if rec.ID != journeyID || rec.Stage != model.StageQuote || rec.CustomerName != "Amina" {
		t.Errorf("record = %s", FormatJSON(rec))
	}
	if rec.Metadata[model.MetaLastIntent] != string(model.IntentShipping) {
		t.Errorf("lastIntent = %v, want shipping", rec.Metadata[model.MetaLastIntent])
	}

	var trail struct {
		Data []model.StageTransition `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/journeys/cust-1/transitions", token), http.StatusOK, &trail)
	if len(trail.Data) != 2 {
		t.Fatalf("transitions = %d, want 2", len(trail.Data))
	}
	if trail.Data[0].ToStage != model.StageNegotiation || trail.Data[1].ToStage != model.StageQuote {
		t.Errorf("trail = %s", FormatJSON(trail.Data))
	}
}

func TestJourneyFlow_anonymousVisitorIsNotTracked(t *testing.T) {
	h := NewTestHarness(t)

	var resp model.ChatResponse
	h.AssertJSON(t, h.Chat("198.51.100.2", map[string]any{"message": "hello, is this still available?"}), http.StatusOK, &resp)

	if resp.CurrentStage != nil || resp.JourneyID != nil {
		t.Errorf("stage = %v, journeyId = %v, want both null", resp.CurrentStage, resp.JourneyID)
	}
	if resp.ThreadID == "" {
		t.Error("threadId should be generated")
	}
	if n := h.Inbox(model.AgentCRM).Len(); n != 0 {
		t.Errorf("crm inbox = %d, want no lead for anonymous visitor", n)
	}
}

func TestJourneyFlow_negotiationBeforeInquiryOpensNoJourney(t *testing.T) {
	h := NewTestHarness(t)

	var resp model.ChatResponse
	h.AssertJSON(t, h.Chat("198.51.100.3", ChatFixture("cust-2", "give me a discount")), http.StatusOK, &resp)
	if resp.CurrentStage != nil {
		t.Errorf("stage = %v, want null before any inquiry", *resp.CurrentStage)
	}
	h.AssertStatus(t, h.GET("/v1/journeys/cust-2", h.OperatorToken()), http.StatusNotFound)
}

func TestJourneyFlow_historyForwarded(t *testing.T) {
	h := NewTestHarness(t)

	body := ChatFixture("cust-3", "hello again")
	body["history"] = []map[string]string{
		{"role": "user", "content": "hi"},
		{"role": "assistant", "content": "Hello! How can I help?"},
	}
	h.AssertStatus(t, h.Chat("198.51.100.4", body), http.StatusOK)

	last := h.Generator.LastRequest()
	if last == nil || len(last.History) != 2 || last.History[1]["role"] != "assistant" {
		t.Errorf("forwarded history = %+v", last)
	}
}
