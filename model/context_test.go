package model

import (
	"context"
	"testing"
)

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{
		Roles: []string{"operator", "pricing"},
	}
	if !rc.HasRole("operator") {
		t.Error("HasRole(operator) = false, want true")
	}
	if !rc.HasRole("pricing") {
		t.Error("HasRole(pricing) = false, want true")
	}
	if rc.HasRole("viewer") {
		t.Error("HasRole(viewer) = true, want false")
	}
}

func TestRequestContext_HasRole_empty(t *testing.T) {
	rc := &RequestContext{}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) on empty roles = true, want false")
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{
		ClientID:  "198.51.100.2",
		SubjectID: "sales-lead-1",
	}
	ctx := WithRequestContext(context.Background(), rctx)
	got := RequestContextFrom(ctx)
	if got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
}

func TestRequestContextFrom_absent(t *testing.T) {
	got := RequestContextFrom(context.Background())
	if got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}
