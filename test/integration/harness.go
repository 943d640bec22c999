// Package integration provides a reusable test harness for end-to-end
// integration testing of the deal journey service. It starts the full HTTP
// router with the real orchestrator, in-memory or SQLite journey storage, a
// scripted generation backend and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/apidoc"
	"github.com/pitabwire/dealjourney/internal/bus"
	"github.com/pitabwire/dealjourney/internal/config"
	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/internal/orchestrator"
	"github.com/pitabwire/dealjourney/internal/ratelimit"
	"github.com/pitabwire/dealjourney/internal/responder"
	"github.com/pitabwire/dealjourney/internal/transport"
	"github.com/pitabwire/dealjourney/model"
)

// OperatorRole is the role the harness requires on operator routes.
const OperatorRole = "deal-desk"

// TestHarness encapsulates a fully wired service instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store     journey.Store
	Machine   *journey.Machine
	Bus       *bus.Bus
	Generator *MockGenerator
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	rateLimit        int
	sqlite           bool
	responderTimeout time.Duration
	handlerTimeout   time.Duration
}

// WithRateLimit sets the per-client message limit per minute.
func WithRateLimit(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.rateLimit = n
	}
}

// WithSQLiteStore persists journeys in a SQLite file under t.TempDir().
func WithSQLiteStore() HarnessOption {
	return func(c *harnessConfig) {
		c.sqlite = true
	}
}

// WithResponderTimeout sets the generation deadline.
func WithResponderTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.responderTimeout = d
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		rateLimit:        100,
		responderTimeout: 5 * time.Second,
		handlerTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	ctx := context.Background()

	// Step 1: Build config.
	h.issuer = newTokenIssuer(t)
	h.Generator = newMockGenerator(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.TrustForwardedFor = true
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Enabled:      true,
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		OperatorRole: OperatorRole,
	}
	h.cfg.RateLimit.Limit = hc.rateLimit
	h.cfg.Responder.Driver = "http"
	h.cfg.Responder.URL = h.Generator.URL()
	h.cfg.Responder.Timeout = hc.responderTimeout
	h.cfg.Responder.Retry = config.RetryConfig{
		MaxAttempts:       2,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        50 * time.Millisecond,
	}
	h.cfg.Responder.CircuitBreaker.FailureThreshold = 4
	h.cfg.Responder.CircuitBreaker.Timeout = time.Minute

	// Step 2: Telemetry on a private registry.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)
	logger := zap.NewNop()

	// Step 3: Journey store.
	if hc.sqlite {
		store, err := journey.OpenSQLite(filepath.Join(t.TempDir(), "journeys.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		h.Store = store
	} else {
		h.Store = journey.NewMemoryStore()
	}
	h.Machine = journey.NewMachine(h.Store, logger, h.Metrics)

	// Step 4: Bus with an inbox per downstream agent. Dispatch is inline so
	// events are visible as soon as the chat response returns.
	agents := bus.NewAgentRegistry()
	for _, name := range []string{model.AgentCRM, model.AgentNegotiation, model.AgentPricing, model.AgentLogistics, model.AgentCompliance} {
		agents.Register(name, bus.NewMemoryInbox(100))
	}
	h.Bus = bus.New(agents, bus.NewMemoryTaskQueue(), nil, logger, h.Metrics, bus.Options{TaskTTL: time.Hour})

	// Step 5: Orchestrator over the HTTP responder.
	orch := orchestrator.New(orchestrator.Deps{
		Limiter:    ratelimit.NewMemoryLimiter(h.cfg.RateLimit.Window, h.cfg.RateLimit.Limit),
		Machine:    h.Machine,
		Bus:        h.Bus,
		Dispatcher: bus.Inline{},
		Responder:  responder.NewHTTPResponder(h.cfg.Responder, "test-api-key", logger, h.Metrics),
		Logger:     logger,
		Metrics:    h.Metrics,
	}, orchestrator.Options{
		MaxMessageLength: h.cfg.Chat.MaxMessageLength,
		MaxHistory:       h.cfg.Chat.MaxHistory,
		ResponderTimeout: h.cfg.Responder.Timeout,
	})

	// Step 6: Router with full middleware chain.
	doc, err := apidoc.Load(ctx)
	if err != nil {
		t.Fatalf("load API document: %v", err)
	}
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:   h.cfg,
		Logger:   logger,
		Metrics:  h.Metrics,
		Gatherer: h.Registry,
		APIDoc:   doc,
		Chat:     orch,
		Machine:  h.Machine,
		Bus:      h.Bus,
		Ready: observability.ReadinessChecks{
			APIDocLoaded: func() bool { return true },
			JourneyStore: observability.HealthCheckFunc(h.Store.Ping),
		},
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks, logger),
		RetryAfter:   h.cfg.RateLimit.Window,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// OperatorToken returns a token carrying the operator role.
func (h *TestHarness) OperatorToken() string {
	return h.GenerateToken(OperatorClaims())
}

// Inbox returns the event inbox of a registered agent.
func (h *TestHarness) Inbox(agent string) *bus.MemoryInbox {
	h.t.Helper()
	inbox, ok := h.Bus.Agents().Inbox(agent)
	if !ok {
		h.t.Fatalf("agent %q has no inbox", agent)
	}
	return inbox
}

// --- HTTP client helpers ---

// Chat posts a chat message from the given client IP.
func (h *TestHarness) Chat(clientIP string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", "/v1/chat", body, "", map[string]string{"X-Forwarded-For": clientIP})
}

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorBody is the JSON error response shape.
type ErrorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for a deal desk operator.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "operator-1",
		Roles:     []string{OperatorRole},
	}
}

// ViewerClaims returns TestClaims for an authenticated user without the
// operator role.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "viewer-1",
		Roles:     []string{"viewer"},
	}
}

// --- Fixtures ---

// ChatFixture builds a chat request body for a known customer.
func ChatFixture(customerID, message string) map[string]any {
	return map[string]any{
		"message":      message,
		"customerId":   customerID,
		"customerName": "Amina",
		"listingId":    "listing-" + customerID,
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
