package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/bus"
	"github.com/pitabwire/dealjourney/internal/config"
	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/internal/ratelimit"
	"github.com/pitabwire/dealjourney/model"
)

func TestBuildAgentRegistry(t *testing.T) {
	cfg := config.Defaults().Bus
	cfg.Agents = map[string]config.AgentConfig{
		model.AgentPricing: {Kind: "webhook", URL: "http://pricing.internal/events", Timeout: time.Second},
		"audit-agent":      {Kind: "inbox"},
	}

	agents := buildAgentRegistry(cfg)

	for _, name := range append(defaultAgents, "audit-agent") {
		if _, ok := agents.Get(name); !ok {
			t.Errorf("agent %q not registered", name)
		}
	}
	d, _ := agents.Get(model.AgentPricing)
	if _, ok := d.(*bus.WebhookDeliverer); !ok {
		t.Errorf("pricing deliverer = %T, want *bus.WebhookDeliverer", d)
	}
	if _, ok := agents.Inbox(model.AgentCRM); !ok {
		t.Error("crm-agent should default to an inbox")
	}
}

func TestBuildLimiter_memory(t *testing.T) {
	limiter, sweeper := buildLimiter(config.Defaults().RateLimit, nil)
	if _, ok := limiter.(*ratelimit.MemoryLimiter); !ok {
		t.Errorf("limiter = %T, want *ratelimit.MemoryLimiter", limiter)
	}
	if sweeper == nil {
		t.Error("memory limiter should be returned for sweeping")
	}
}

func TestBuildLimiter_redisWithoutClientFallsBack(t *testing.T) {
	cfg := config.Defaults().RateLimit
	cfg.Driver = "redis"
	if _, sweeper := buildLimiter(cfg, nil); sweeper == nil {
		t.Error("missing redis client should fall back to the memory limiter")
	}
}

func TestBuildJourneyStore(t *testing.T) {
	ctx := context.Background()

	store, closer, err := buildJourneyStore(ctx, config.JourneyStoreConfig{Driver: "memory"}, zap.NewNop())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*journey.MemoryStore); !ok || closer != nil {
		t.Errorf("memory store = %T, closer = %v", store, closer != nil)
	}

	path := filepath.Join(t.TempDir(), "journeys.db")
	store, closer, err = buildJourneyStore(ctx, config.JourneyStoreConfig{Driver: "sqlite", Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer closer()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("sqlite Ping: %v", err)
	}

	if _, _, err := buildJourneyStore(ctx, config.JourneyStoreConfig{Driver: "postgres", DSNEnv: "DEALJOURNEY_TEST_UNSET_DSN"}, zap.NewNop()); err == nil {
		t.Error("postgres without DSN should fail")
	}
	if _, _, err := buildJourneyStore(ctx, config.JourneyStoreConfig{Driver: "mongo"}, zap.NewNop()); err == nil {
		t.Error("unknown driver should fail")
	}
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	machine := journey.NewMachine(journey.NewMemoryStore(), nil, nil)
	if _, err := machine.CreateJourney(ctx, journey.NewJourney{
		CustomerID:   "cust-1",
		CustomerName: "Amina",
		Metadata:     map[string]any{model.MetaLastIntent: "inquiry"},
	}); err != nil {
		t.Fatalf("CreateJourney: %v", err)
	}
	if _, _, err := machine.Transition(ctx, "cust-1", model.StageNegotiation, model.TriggeredByCustomer, model.AgentOrchestrator, "price talk"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	var out bytes.Buffer
	if err := inspect(ctx, &out, machine, "cust-1"); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"Amina", "NEGOTIATION", "meta.lastIntent", "price talk"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	if err := inspect(ctx, &out, machine, "nobody"); err == nil {
		t.Error("unknown customer should fail")
	}
}
