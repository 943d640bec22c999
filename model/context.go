package model

import "context"

// RequestContext carries caller identity and tracing information for the
// lifetime of a request. ClientID is always set by the transport layer and
// is the rate-limiting key. SubjectID and Roles are only populated on
// operator routes behind JWT authentication. A RequestContext is never
// modified once attached to a context: middleware that adds identity
// attaches a copy.
type RequestContext struct {
	ClientID      string
	SubjectID     string
	Roles         []string
	CorrelationID string
	TraceID       string
	UserAgent     string
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
