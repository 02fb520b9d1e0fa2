// Command agentic-core runs the authorization engine with its agent
// pipeline and exposes Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/advisor"
	"github.com/authz-engine/agentic-core/internal/analyst"
	"github.com/authz-engine/agentic-core/internal/cel"
	"github.com/authz-engine/agentic-core/internal/clock"
	"github.com/authz-engine/agentic-core/internal/config"
	"github.com/authz-engine/agentic-core/internal/db"
	"github.com/authz-engine/agentic-core/internal/decision"
	"github.com/authz-engine/agentic-core/internal/enforcer"
	"github.com/authz-engine/agentic-core/internal/engine"
	"github.com/authz-engine/agentic-core/internal/eventbus"
	"github.com/authz-engine/agentic-core/internal/guardian"
	"github.com/authz-engine/agentic-core/internal/logging"
	"github.com/authz-engine/agentic-core/internal/metrics"
	"github.com/authz-engine/agentic-core/internal/orchestrator"
	"github.com/authz-engine/agentic-core/internal/policy"
	"github.com/authz-engine/agentic-core/internal/ratelimit"
	"github.com/authz-engine/agentic-core/internal/swarm"
	"github.com/authz-engine/agentic-core/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	m := metrics.New()
	clk := clock.Real()

	celEngine, err := cel.NewEngine()
	if err != nil {
		return fmt.Errorf("creating expression engine: %w", err)
	}

	var store policy.Store
	switch cfg.Store.Backend {
	case "postgres":
		conn, err := db.Open(cfg.Store.Database)
		if err != nil {
			return err
		}
		if err := db.Migrate(conn); err != nil {
			return err
		}
		validator, err := policy.NewValidator()
		if err != nil {
			return err
		}
		store = policy.NewPostgresStore(conn, validator, logger)
		logger.Info("policy store ready", zap.String("backend", "postgres"))
	default:
		memStore, err := policy.NewMemoryStore(logger)
		if err != nil {
			return err
		}
		store = memStore
		logger.Info("policy store ready", zap.String("backend", "memory"))
	}
	defer store.Close()

	unwatchMetrics := store.Watch(func(change types.PolicyChange) {
		m.RecordPolicyChange(string(change.Type))
	})
	defer unwatchMetrics()

	bus := eventbus.New(cfg.EventBus.QueueSize, m, logger)
	defer bus.Close()

	decisions := decision.NewMemoryStore(0)
	defer decisions.Close()

	eng := engine.New(store, celEngine, cfg.Engine, m, logger)
	defer eng.Close()

	guard := guardian.New(cfg.Guardian, decisions, bus, m, clk, logger)
	guard.Start()
	defer guard.Stop()

	var limiter ratelimit.Limiter
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.NewRedisLimiter(client, cfg.Enforcer.MaxActionsPerHour, time.Hour, "")
		logger.Info("enforcement rate limiter ready", zap.String("backend", "redis"))
	}

	enf := enforcer.New(cfg.Enforcer, limiter, bus, m, clk, logger)
	an := analyst.New(cfg.Analyst, decisions, clk, logger)

	var explainer advisor.TextExplainer
	if key := os.Getenv(cfg.Advisor.AnthropicAPIKeyEnv); key != "" {
		explainer = advisor.NewAnthropicExplainer(key, cfg.Advisor.Model, cfg.Advisor.MaxTokens)
		logger.Info("natural-language explanations enabled")
	}
	adv := advisor.New(explainer, logger)

	var coordinator orchestrator.ConsensusRunner
	if cfg.Swarm.Enabled {
		pool := swarm.NewPool(cfg.Swarm.Pool, m, clk, logger)
		pool.Start()
		defer pool.Stop()
		coordinator = swarm.NewCoordinator(
			cfg.Swarm.Coordinator,
			pool,
			swarm.DefaultHandlers(guard, an, enf),
			swarm.DefaultVote(),
			m,
			logger,
		)
	}

	orch := orchestrator.New(cfg.Orchestrator, eng, guard, adv, enf, decisions, bus, coordinator, logger)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
			logger.Info("configuration change detected; restart to apply engine settings")
		}, logger)
		if err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/v1/check", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req types.CheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := orch.ProcessRequest(r.Context(), &req, orchestrator.ProcessOptions{
			IncludeExplanation: r.URL.Query().Get("explain") == "true",
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, types.ErrInvalidInput) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})
	server := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
