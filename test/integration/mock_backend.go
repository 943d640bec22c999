package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockGenerator is a scripted language-generation backend. Responses queued
// with the Respond* builders are served in order; the last one repeats.
// With nothing queued it echoes a polite reply naming the profile.
type MockGenerator struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	responses []*mockResponse
	current   int
	received  []*RecordedRequest
}

// RecordedRequest captures one generation call.
type RecordedRequest struct {
	Headers      http.Header
	Message      string
	Profile      string
	Instructions string
	CustomerName string
	History      []map[string]string
	ReceivedAt   time.Time
}

type mockResponse struct {
	status    int
	text      string
	raw       string
	delay     time.Duration
	connError bool
}

func newMockGenerator(t *testing.T) *MockGenerator {
	t.Helper()
	mg := &MockGenerator{t: t}
	mg.server = httptest.NewServer(http.HandlerFunc(mg.handle))
	t.Cleanup(mg.server.Close)
	return mg
}

// URL returns the generation endpoint.
func (mg *MockGenerator) URL() string {
	return mg.server.URL + "/generate"
}

// RespondWith queues a successful reply.
func (mg *MockGenerator) RespondWith(text string) *MockGenerator {
	return mg.add(&mockResponse{status: http.StatusOK, text: text})
}

// RespondWithStatus queues an error status with an empty body.
func (mg *MockGenerator) RespondWithStatus(status int) *MockGenerator {
	return mg.add(&mockResponse{status: status, raw: "{}"})
}

// RespondWithBody queues a raw body with the given status.
func (mg *MockGenerator) RespondWithBody(status int, raw string) *MockGenerator {
	return mg.add(&mockResponse{status: status, raw: raw})
}

// RespondWithDelay queues a reply sent after delay.
func (mg *MockGenerator) RespondWithDelay(delay time.Duration, text string) *MockGenerator {
	return mg.add(&mockResponse{status: http.StatusOK, text: text, delay: delay})
}

// RespondWithConnectionError queues a dropped connection.
func (mg *MockGenerator) RespondWithConnectionError() *MockGenerator {
	return mg.add(&mockResponse{connError: true})
}

func (mg *MockGenerator) add(r *mockResponse) *MockGenerator {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.responses = append(mg.responses, r)
	return mg
}

func (mg *MockGenerator) next() *mockResponse {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if len(mg.responses) == 0 {
		return nil
	}
	idx := mg.current
	if idx >= len(mg.responses) {
		idx = len(mg.responses) - 1
	} else {
		mg.current++
	}
	return mg.responses[idx]
}

func (mg *MockGenerator) handle(w http.ResponseWriter, r *http.Request) {
	rec := &RecordedRequest{Headers: r.Header.Clone(), ReceivedAt: time.Now()}
	if body, err := io.ReadAll(r.Body); err == nil {
		var parsed struct {
			Message      string              `json:"message"`
			Profile      string              `json:"profile"`
			Instructions string              `json:"instructions"`
			CustomerName string              `json:"customerName"`
			History      []map[string]string `json:"history"`
		}
		if json.Unmarshal(body, &parsed) == nil {
			rec.Message = parsed.Message
			rec.Profile = parsed.Profile
			rec.Instructions = parsed.Instructions
			rec.CustomerName = parsed.CustomerName
			rec.History = parsed.History
		}
	}
	mg.mu.Lock()
	mg.received = append(mg.received, rec)
	mg.mu.Unlock()

	resp := mg.next()
	if resp == nil {
		resp = &mockResponse{status: http.StatusOK, text: "Happy to help with that (" + rec.Profile + ")."}
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.raw != "" {
		_, _ = io.Copy(w, strings.NewReader(resp.raw))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"text": resp.text})
}

// AssertCalled verifies the backend was called the expected number of times.
func (mg *MockGenerator) AssertCalled(t *testing.T, expected int) {
	t.Helper()
	mg.mu.Lock()
	actual := len(mg.received)
	mg.mu.Unlock()
	if actual != expected {
		t.Errorf("generator called %d times, want %d", actual, expected)
	}
}

// LastRequest returns the most recent call, or nil.
func (mg *MockGenerator) LastRequest() *RecordedRequest {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if len(mg.received) == 0 {
		return nil
	}
	return mg.received[len(mg.received)-1]
}

// Reset clears recorded calls and queued responses.
func (mg *MockGenerator) Reset() {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.responses = nil
	mg.current = 0
	mg.received = nil
}
