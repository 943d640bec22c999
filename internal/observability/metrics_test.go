package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"dealjourney_http_requests_total",
		"dealjourney_http_request_duration_seconds",
		"dealjourney_http_request_size_bytes",
		"dealjourney_http_response_size_bytes",
		"dealjourney_chat_messages_total",
		"dealjourney_safety_violations_total",
		"dealjourney_rate_limit_rejections_total",
		"dealjourney_journeys_created_total",
		"dealjourney_stage_transitions_total",
		"dealjourney_stage_transition_races_total",
		"dealjourney_events_emitted_total",
		"dealjourney_delivery_failures_total",
		"dealjourney_tasks_assigned_total",
		"dealjourney_dispatch_queue_depth",
		"dealjourney_responder_requests_total",
		"dealjourney_responder_duration_seconds",
		"dealjourney_responder_circuit_breaker_state",
		"dealjourney_responder_retries_total",
	}

	// Record a value for each labelled metric so they appear in Gather.
	m.RecordHTTPRequest("POST", "/v1/chat", 200, time.Millisecond, 64, 100)
	m.RecordChatMessage("inquiry", "allow")
	m.RecordSafetyViolations([]string{"excessive_discount"})
	m.RecordRateLimited()
	m.RecordJourneyCreated()
	m.RecordTransition("INQUIRY", "NEGOTIATION")
	m.RecordTransitionRace()
	m.RecordEventEmitted("lead.created")
	m.RecordDeliveryFailure("lead.created", "crm-agent")
	m.RecordTaskAssigned("generate_quote", "pricing-agent")
	m.SetDispatchQueueDepth(2)
	m.RecordResponderRequest("ok", time.Second)
	m.SetResponderBreakerState(0)
	m.RecordResponderRetry()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics

	m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 2)
	m.RecordChatMessage("general", "allow")
	m.RecordSafetyViolations([]string{"off_platform_payment"})
	m.RecordRateLimited()
	m.RecordJourneyCreated()
	m.RecordTransition("INQUIRY", "NEGOTIATION")
	m.RecordTransitionRace()
	m.RecordEventEmitted("lead.created")
	m.RecordDeliveryFailure("lead.created", "crm-agent")
	m.RecordTaskAssigned("generate_quote", "pricing-agent")
	m.SetDispatchQueueDepth(1)
	m.RecordResponderRequest("error", time.Second)
	m.SetResponderBreakerState(2)
	m.RecordResponderRetry()
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/journeys/{customerId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/journeys/{customerId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/chat", 429, 2*time.Millisecond, 512, 128)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/journeys/{customerId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/chat", "429"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordChatMessage(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordChatMessage("negotiation", "allow")
	m.RecordChatMessage("negotiation", "block")
	m.RecordChatMessage("negotiation", "allow")

	if val := testutil.ToFloat64(m.ChatMessagesTotal.WithLabelValues("negotiation", "allow")); val != 2 {
		t.Errorf("negotiation/allow = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.ChatMessagesTotal.WithLabelValues("negotiation", "block")); val != 1 {
		t.Errorf("negotiation/block = %v, want 1", val)
	}
}

func TestRecordSafetyViolations(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSafetyViolations([]string{"excessive_discount", "off_platform_payment"})
	m.RecordSafetyViolations([]string{"off_platform_payment"})

	if val := testutil.ToFloat64(m.SafetyViolationsTotal.WithLabelValues("off_platform_payment")); val != 2 {
		t.Errorf("off_platform_payment = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.SafetyViolationsTotal.WithLabelValues("excessive_discount")); val != 1 {
		t.Errorf("excessive_discount = %v, want 1", val)
	}
}

func TestRecordJourneyLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordJourneyCreated()
	m.RecordTransition("INQUIRY", "NEGOTIATION")
	m.RecordTransition("NEGOTIATION", "QUOTE")
	m.RecordTransitionRace()

	if val := testutil.ToFloat64(m.JourneysCreatedTotal); val != 1 {
		t.Errorf("journeys created = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("NEGOTIATION", "QUOTE")); val != 1 {
		t.Errorf("NEGOTIATION->QUOTE = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.TransitionRacesTotal); val != 1 {
		t.Errorf("transition races = %v, want 1", val)
	}
}

func TestRecordBusMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEventEmitted("safety.violation")
	m.RecordDeliveryFailure("safety.violation", "compliance-agent")
	m.RecordTaskAssigned("shipping_estimate", "logistics-agent")
	m.SetDispatchQueueDepth(7)

	if val := testutil.ToFloat64(m.EventsEmittedTotal.WithLabelValues("safety.violation")); val != 1 {
		t.Errorf("events emitted = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.DeliveryFailuresTotal.WithLabelValues("safety.violation", "compliance-agent")); val != 1 {
		t.Errorf("delivery failures = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.TasksAssignedTotal.WithLabelValues("shipping_estimate", "logistics-agent")); val != 1 {
		t.Errorf("tasks assigned = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.DispatchQueueDepth); val != 7 {
		t.Errorf("dispatch queue depth = %v, want 7", val)
	}
}

func TestRecordResponderMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordResponderRequest("ok", 800*time.Millisecond)
	m.RecordResponderRequest("timeout", 20*time.Second)
	m.RecordResponderRetry()

	for _, state := range []float64{0, 1, 2} {
		m.SetResponderBreakerState(state)
		if val := testutil.ToFloat64(m.ResponderBreakerState); val != state {
			t.Errorf("breaker state = %v, want %v", val, state)
		}
	}

	if val := testutil.ToFloat64(m.ResponderRequestsTotal.WithLabelValues("timeout")); val != 1 {
		t.Errorf("timeouts = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.ResponderRetriesTotal); val != 1 {
		t.Errorf("retries = %v, want 1", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/journeys/{customerId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/journeys/cust-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/journeys/{customerId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/chat", "422"))
	if val != 1 {
		t.Errorf("422 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordJourneyCreated()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dealjourney_journeys_created_total 1") {
		t.Errorf("metrics body missing journeys counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":      httpDurationBuckets,
		"responder": responderDurationBuckets,
		"body":      bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
