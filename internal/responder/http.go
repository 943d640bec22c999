package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/config"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/model"
)

// maxReplyBytes caps the backend response body.
const maxReplyBytes = 1 << 20

// errBadReply marks a 2xx response whose body cannot be used.
var errBadReply = errors.New("responder: unusable reply")

// statusError is a non-2xx backend response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("responder: backend returned status %d", e.code)
}

type generateRequest struct {
	Message      string                 `json:"message"`
	History      []model.HistoryMessage `json:"history"`
	Profile      string                 `json:"profile"`
	Instructions string                 `json:"instructions"`
	CustomerName string                 `json:"customerName,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// HTTPResponder calls a remote generation backend with a circuit breaker and
// bounded retries.
type HTTPResponder struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHTTPResponder creates a responder for cfg. apiKey, when set, is sent as
// a bearer token. logger and metrics may be nil.
func NewHTTPResponder(cfg config.ResponderConfig, apiKey string, logger *zap.Logger, metrics *observability.Metrics) *HTTPResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	cb := cfg.CircuitBreaker
	return &HTTPResponder{
		url:    cfg.URL,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout, Transport: transport},
		breaker: NewCircuitBreaker(BreakerSettings{
			FailureThreshold:   cb.FailureThreshold,
			SuccessThreshold:   cb.SuccessThreshold,
			Timeout:            cb.Timeout,
			ErrorRateThreshold: cb.ErrorRateThreshold,
			ErrorRateWindow:    cb.ErrorRateWindow,
			OnStateChange: func(s BreakerState) {
				metrics.SetResponderBreakerState(float64(s))
				logger.Warn("responder circuit breaker state changed", zap.String("state", s.String()))
			},
		}),
		retry:   cfg.Retry,
		logger:  logger,
		metrics: metrics,
	}
}

// Breaker exposes the circuit breaker for diagnostics.
func (r *HTTPResponder) Breaker() *CircuitBreaker { return r.breaker }

// Generate posts req to the backend and returns the generated text.
func (r *HTTPResponder) Generate(ctx context.Context, req Request) (string, error) {
	history := req.History
	if history == nil {
		history = []model.HistoryMessage{}
	}
	body, err := json.Marshal(generateRequest{
		Message:      req.Message,
		History:      history,
		Profile:      req.Profile.Name,
		Instructions: req.Profile.Instructions,
		CustomerName: req.CustomerName,
	})
	if err != nil {
		return "", fmt.Errorf("responder: marshal request: %w", err)
	}

	start := time.Now()
	text, err := r.generateWithRetry(ctx, body)
	r.metrics.RecordResponderRequest(outcomeOf(ctx, err), time.Since(start))
	return text, err
}

// generateWithRetry wraps generateOnce with retry logic and exponential backoff.
func (r *HTTPResponder) generateWithRetry(ctx context.Context, body []byte) (string, error) {
	maxAttempts := r.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(r.retry, attempt)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			r.metrics.RecordResponderRetry()
			observability.RequestLogger(ctx, r.logger).Debug("responder: retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}

		text, err := r.generateOnce(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryable(ctx, err) {
			break
		}
	}
	return "", lastErr
}

func (r *HTTPResponder) generateOnce(ctx context.Context, body []byte) (string, error) {
	if err := r.breaker.Allow(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("responder: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.breaker.RecordFailure()
		return "", fmt.Errorf("responder: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		r.breaker.RecordFailure()
		return "", fmt.Errorf("responder: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		r.breaker.RecordFailure()
		return "", &statusError{code: resp.StatusCode}
	}
	// A 4xx still counts as a healthy backend for the breaker.
	r.breaker.RecordSuccess()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &statusError{code: resp.StatusCode}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: %v", errBadReply, err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", errBadReply)
	}
	return text, nil
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, errBadReply) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

func outcomeOf(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
