// Package responder defines the language responder the orchestrator asks
// for candidate replies, with an HTTP backend and a deterministic template
// backend.
package responder

import (
	"context"
	"strings"

	"github.com/pitabwire/dealjourney/model"
)

// Profile is the behavioral brief handed to the responder for one
// (intent, stage) combination. Canned is the reply the template backend
// returns for it.
type Profile struct {
	Name         string
	Instructions string
	Canned       string
}

// Request is one generation call.
type Request struct {
	Message      string
	History      []model.HistoryMessage
	Profile      Profile
	CustomerName string
}

// Responder produces a candidate reply. Implementations must honor ctx
// cancellation; the orchestrator bounds every call with a deadline.
type Responder interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Responder.
type Func func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// TemplateResponder answers from each profile's canned reply. It needs no
// backend and is the default for local runs.
type TemplateResponder struct {
	fallback string
}

// NewTemplateResponder creates a template responder. fallback is used when a
// profile has no canned reply.
func NewTemplateResponder(fallback string) *TemplateResponder {
	if fallback == "" {
		fallback = "Thanks for your message. A member of our team will follow up shortly."
	}
	return &TemplateResponder{fallback: fallback}
}

// Generate returns the profile's canned reply with {name} replaced by the
// customer name, or "there" when it is unknown.
func (t *TemplateResponder) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reply := req.Profile.Canned
	if reply == "" {
		reply = t.fallback
	}
	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(reply, "{name}", name), nil
}
