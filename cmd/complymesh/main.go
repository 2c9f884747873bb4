package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/veridian/complymesh/internal/agent"
	"github.com/veridian/complymesh/internal/api"
	"github.com/veridian/complymesh/internal/config"
	"github.com/veridian/complymesh/internal/event"
	"github.com/veridian/complymesh/internal/metrics"
	"github.com/veridian/complymesh/internal/orchestrator"
	"github.com/veridian/complymesh/internal/relay"
	"github.com/veridian/complymesh/internal/scheduler"
	"github.com/veridian/complymesh/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting ComplyMesh...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/complymesh.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Durable store: PostgreSQL when configured, in-memory otherwise.
	var persist store.Store = store.NewMemory()
	var pg *store.Postgres
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.NewPostgres(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running with in-memory store", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = ps
			persist = ps
		}
	}

	// Redis relay carries mediator prompts to remote agents. Optional;
	// without it conversations are unavailable but everything else runs.
	var rly *relay.Relay
	if cfg.Database.Redis.URL != "" {
		r, rErr := relay.NewRelay(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without agent relay", zap.Error(rErr))
		} else {
			rly = r
		}
	}

	sink := metrics.NewCollector()
	opts := orchestrator.Options{
		Scheduler: scheduler.Options{
			Workers:        cfg.Scheduler.Workers,
			QueueSize:      cfg.Scheduler.QueueSize,
			HealthInterval: time.Duration(cfg.Scheduler.HealthIntervalSec) * time.Second,
		},
		Bus: event.Options{
			Workers:         cfg.Bus.Workers,
			QueueSize:       cfg.Bus.QueueSize,
			MaxAttempts:     cfg.Bus.MaxAttempts,
			DeadLetterLimit: cfg.Bus.DeadLetterLimit,
		},
		ConsensusMaxRounds: cfg.Consensus.MaxRounds,
		DecisionTimeout:    time.Duration(cfg.Consensus.DefaultTimeoutSec) * time.Second,
		ExpireInterval:     time.Duration(cfg.Consensus.ExpireIntervalSec) * time.Second,
		ConversationRounds: cfg.Consensus.ConversationRounds,
	}
	if rly != nil {
		opts.Prompter = rly
	}

	orch := orchestrator.New(opts, persist, sink, logger)
	ctx := context.Background()
	if !orch.Initialize(ctx) {
		logger.Fatal("orchestrator failed to initialize")
	}

	// Built-in compliance agents
	if cfg.Agents.TransactionGuardian {
		orch.RegisterAgent(ctx, "transaction_guardian", "Transaction Guardian", agent.NewTransactionGuardian())
	}
	if cfg.Agents.RegulatoryAssessor {
		orch.RegisterAgent(ctx, "regulatory_assessor", "Regulatory Assessor", agent.NewRegulatoryAssessor())
	}
	if cfg.Agents.AuditIntelligence {
		orch.RegisterAgent(ctx, "audit_intelligence", "Audit Intelligence", agent.NewAuditIntelligence())
	}
	logger.Info("Agents registered", zap.Int("count", len(orch.Agents())))

	// Build HTTP handler
	handler := api.NewHandler(orch, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("ComplyMesh listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down ComplyMesh...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	orch.Shutdown(shutdownCtx)
	if rly != nil {
		rly.Close()
	}
	if pg != nil {
		pg.Close()
	}
}
