package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"accessgate/internal/cache"
	"accessgate/internal/config"
	"accessgate/internal/engine"
	"accessgate/internal/metadata"
	"accessgate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ERROR: load config: %v", err)
	}

	ctx := context.Background()

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("ERROR: connect database: %v", err)
	}
	defer db.Close()

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("ERROR: bootstrap system tables: %v", err)
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.Pool, reg); err != nil {
		log.Fatalf("ERROR: load registry: %v", err)
	}

	decisionCache, err := buildCache(cfg.Cache)
	if err != nil {
		log.Fatalf("ERROR: init decision cache: %v", err)
	}

	auditSink := engine.NewPgAuditSink(db)
	requests := engine.NewPgRequestStore(db)
	notifier := engine.LogNotifier{}

	resolver := engine.NewResolver(reg)
	aggregator := engine.NewAggregator(reg)
	gate := engine.NewGate(reg, requests, resolver, notifier, auditSink)
	gate.SetGrantWindow(cfg.Approval.GrantWindow())
	evaluator := engine.NewEvaluator(reg, resolver, aggregator, gate,
		decisionCache, cfg.Cache.TTL(), cfg.Cache.NegativeTTL(), auditSink)

	reload := func(c *fiber.Ctx) error {
		return metadata.Reload(c.Context(), db.Pool, reg)
	}
	handler := engine.NewHandler(evaluator, gate, reg, reload)

	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	engine.RegisterRoutes(app, handler, cfg.JWTSecret)

	scheduler := engine.NewEscalationScheduler(gate, cfg.Approval.SweepInterval())
	scheduler.Start()
	defer scheduler.Stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Access gate listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("ERROR: server: %v", err)
	}
}

func buildCache(cfg config.CacheConfig) (cache.DecisionCache, error) {
	switch cfg.Driver {
	case "redis":
		return cache.NewRedisCache(cfg.RedisAddr)
	case "", "memory":
		return cache.NewMemoryCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
