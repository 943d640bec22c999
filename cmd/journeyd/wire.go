package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/bus"
	"github.com/pitabwire/dealjourney/internal/config"
	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/internal/ratelimit"
	"github.com/pitabwire/dealjourney/internal/responder"
	"github.com/pitabwire/dealjourney/model"
)

// defaultAgents always get an inbox so the orchestrator's events and tasks
// have somewhere to land when the config names no agents.
var defaultAgents = []string{
	model.AgentCRM,
	model.AgentNegotiation,
	model.AgentPricing,
	model.AgentLogistics,
	model.AgentCompliance,
}

// buildJourneyStore opens the configured journey store and creates its schema
// if needed. The returned closer may be nil.
func buildJourneyStore(ctx context.Context, cfg config.JourneyStoreConfig, logger *zap.Logger) (journey.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory journey store")
		return journey.NewMemoryStore(), nil, nil

	case "sqlite":
		store, err := journey.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("journey store: %w", err)
		}
		logger.Info("using sqlite journey store", zap.String("path", cfg.Path))
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("journey store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("journey store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("journey store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("journey store: ping: %w", err)
		}

		store := journey.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("journey store: %w", err)
		}
		logger.Info("using postgres journey store")
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported journey store driver: %q", cfg.Driver)
	}
}

// buildRedisClient connects to Redis when a rate limit or queue driver needs
// it. It returns nil when nothing does.
func buildRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.UsesRedis() {
		return nil, nil
	}
	addr := os.Getenv(cfg.Redis.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.Redis.AddrEnv)
	}
	var password string
	if cfg.Redis.PasswordEnv != "" {
		password = os.Getenv(cfg.Redis.PasswordEnv)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// buildLimiter returns the configured limiter and, for the memory driver,
// the limiter itself so its sweeper can be started.
func buildLimiter(cfg config.RateLimitConfig, rdb *redis.Client) (ratelimit.Limiter, *ratelimit.MemoryLimiter) {
	if cfg.Driver == "redis" && rdb != nil {
		return ratelimit.NewRedisLimiter(rdb, cfg.Window, cfg.Limit, cfg.KeyPrefix), nil
	}
	l := ratelimit.NewMemoryLimiter(cfg.Window, cfg.Limit, ratelimit.WithShards(cfg.Shards))
	return l, l
}

// buildAgentRegistry registers every configured agent plus an inbox for each
// well-known agent the config leaves out.
func buildAgentRegistry(cfg config.BusConfig) *bus.AgentRegistry {
	agents := bus.NewAgentRegistry()
	for name, ac := range cfg.Agents {
		switch ac.Kind {
		case "webhook":
			agents.Register(name, bus.NewWebhookDeliverer(ac.URL, nil, ac.Timeout))
		default:
			agents.Register(name, bus.NewMemoryInbox(cfg.InboxCapacity))
		}
	}
	for _, name := range defaultAgents {
		if _, ok := agents.Get(name); !ok {
			agents.Register(name, bus.NewMemoryInbox(cfg.InboxCapacity))
		}
	}
	return agents
}

// buildTaskQueue returns the configured task queue.
func buildTaskQueue(cfg config.QueueConfig, rdb *redis.Client, logger *zap.Logger) bus.TaskQueue {
	if cfg.Driver == "redis" && rdb != nil {
		return bus.NewRedisTaskQueue(rdb, cfg.KeyPrefix, logger)
	}
	return bus.NewMemoryTaskQueue()
}

// buildResponder returns the configured language responder.
func buildResponder(cfg config.ResponderConfig, logger *zap.Logger, metrics *observability.Metrics) responder.Responder {
	if cfg.Driver != "http" {
		logger.Info("using template responder")
		return responder.NewTemplateResponder("")
	}
	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	logger.Info("using http responder", zap.String("url", cfg.URL))
	return responder.NewHTTPResponder(cfg, apiKey, logger, metrics)
}
