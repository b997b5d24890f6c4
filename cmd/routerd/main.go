// Command routerd runs the agent routing daemon: it loads agent intents,
// builds the embedding pipeline, and serves routing decisions over a
// line-oriented stdin console.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"agent-router/internal/adapter/embedding"
	"agent-router/internal/adapter/intentstore"
	"agent-router/internal/domain"
	"agent-router/internal/infra/config"
	"agent-router/internal/infra/logger"
	"agent-router/internal/infra/tracer"
	"agent-router/internal/usecase/breaker"
	"agent-router/internal/usecase/routing"
	"agent-router/internal/usecase/semantic"
)

func main() {
	configPath := flag.String("config", "routerd.yaml", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	embedder, err := buildEmbedder(cfg.Embedding, log)
	if err != nil {
		return err
	}
	log.Info("embedding provider ready",
		"provider", embedder.Name(),
		"dims", embedder.Dimensions(),
	)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Router.FailureThreshold,
		SuccessThreshold: cfg.Router.SuccessThreshold,
		ResetTimeout:     cfg.Router.ResetTimeout,
	}, log)

	matcher := semantic.New(semantic.Config{
		TopK:                 cfg.Semantic.TopK,
		MultiIntentThreshold: cfg.Semantic.MultiIntentThreshold,
		RouteCacheSize:       cfg.Semantic.RouteCacheSize,
	}, embedder, log)

	router := routing.New(routing.Config{
		RequestTimeout:    cfg.Router.RequestTimeout,
		EnableUncertainty: cfg.Router.EnableUncertainty,
		Uncertainty: routing.UncertaintyConfig{
			RecencyHalfLife: cfg.Router.Uncertainty.RecencyHalfLife,
			RecencyWeight:   cfg.Router.Uncertainty.RecencyWeight,
			StateWeight:     cfg.Router.Uncertainty.StateWeight,
			RatioWeight:     cfg.Router.Uncertainty.RatioWeight,
		},
	}, brk, matcher, log)

	var store *intentstore.Store
	if cfg.Snapshot.Enabled {
		store, err = intentstore.New(cfg.Snapshot.Path, log)
		if err != nil {
			return fmt.Errorf("intent store: %w", err)
		}
		defer store.Close()
	}

	if err := registerIntents(ctx, cfg, matcher, store, log); err != nil {
		return err
	}

	// Persist the final registry so the next start skips re-embedding.
	if store != nil {
		if err := store.Save(ctx, matcher.Snapshot()); err != nil {
			log.Warn("intent snapshot save failed", "error", err)
		}
	}

	scheduler, err := startHealthReports(cfg.Health, router, log)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer func() { <-scheduler.Stop().Done() }()
	}

	log.Info("routerd ready",
		"agents", matcher.Count(),
		"failure_threshold", cfg.Router.FailureThreshold,
		"reset_timeout", cfg.Router.ResetTimeout,
	)

	return console(ctx, router, log)
}

// loadConfig reads the config file, or falls back to defaults when the
// default path does not exist (explicit paths must exist).
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "routerd.yaml" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildEmbedder constructs the embedding pipeline from the inside out:
// base provider, then rate limiting, then the LRU cache, then the circuit
// breaker. The breaker sits outermost so cache hits never count against it.
func buildEmbedder(cfg config.EmbeddingConfig, log *slog.Logger) (domain.EmbeddingProvider, error) {
	var base domain.EmbeddingProvider
	switch cfg.Provider {
	case "openai":
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("embedding: env var %q is empty, no API key", cfg.APIKeyEnv)
		}
		var opts []embedding.OpenAIOption
		if cfg.Model != "" {
			opts = append(opts, embedding.WithOpenAIModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, embedding.WithOpenAIBaseURL(cfg.BaseURL))
		}
		if cfg.Dims > 0 {
			opts = append(opts, embedding.WithOpenAIDimensions(cfg.Dims))
		}
		base = embedding.NewOpenAIProvider(apiKey, opts...)
	case "ollama":
		var opts []embedding.OllamaOption
		if cfg.Model != "" {
			opts = append(opts, embedding.WithOllamaModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, embedding.WithOllamaBaseURL(cfg.BaseURL))
		}
		if cfg.Dims > 0 {
			opts = append(opts, embedding.WithOllamaDimensions(cfg.Dims))
		}
		base = embedding.NewOllamaProvider(opts...)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}

	limited := embedding.NewRateLimitedEmbedder(base, cfg.RateLimit, cfg.RateBurst)
	cached := embedding.NewCachedEmbedder(limited, cfg.CacheSize)
	return embedding.NewCircuitBreakerEmbedder(cached, embedding.CircuitBreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		Interval:    cfg.Breaker.Interval,
	}, log), nil
}

// registerIntents restores intents from the snapshot store where possible
// and registers the configured intents, re-embedding only what the
// snapshot does not cover.
func registerIntents(ctx context.Context, cfg *config.Config, matcher *semantic.Matcher, store *intentstore.Store, log *slog.Logger) error {
	restored := make(map[string]bool)
	if store != nil {
		snaps, err := store.Load(ctx)
		if err != nil {
			log.Warn("intent snapshot load failed, re-embedding everything", "error", err)
		}
		for _, snap := range snaps {
			if err := matcher.RestoreAgent(snap.Intent, snap.Embedding); err != nil {
				log.Warn("intent restore failed",
					"agent_type", snap.Intent.AgentType, "error", err)
				continue
			}
			restored[snap.Intent.AgentType] = true
		}
		if len(restored) > 0 {
			log.Info("intents restored from snapshot", "count", len(restored))
		}
	}

	var fresh []domain.AgentIntent
	for _, intent := range cfg.Agents {
		if !restored[intent.AgentType] {
			fresh = append(fresh, intent)
		}
	}
	if len(fresh) > 0 {
		if err := matcher.RegisterAgents(ctx, fresh); err != nil {
			return fmt.Errorf("register intents: %w", err)
		}
		log.Info("intents registered", "count", len(fresh))
	}
	return nil
}

// startHealthReports schedules periodic health summaries when configured.
func startHealthReports(cfg config.HealthConfig, router *routing.Router, log *slog.Logger) (*cron.Cron, error) {
	if cfg.ReportSchedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.ReportSchedule, func() {
		m := router.Metrics()
		log.Info("routing health report",
			"total_routes", m.TotalRoutes,
			"fallbacks_used", m.FallbacksUsed,
			"exhausted", m.Exhausted,
			"timeouts", m.Timeouts,
		)
		for _, h := range router.AgentHealth() {
			log.Info("agent health",
				"agent", h.AgentID,
				"state", h.State.String(),
				"availability", fmt.Sprintf("%.2f", h.Availability),
				"failures", h.FailureCount,
				"successes", h.SuccessCount,
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("health schedule %q: %w", cfg.ReportSchedule, err)
	}
	c.Start()
	return c, nil
}

// console reads task descriptions from stdin, one per line, and prints
// each routing decision. Lines starting with '/' are commands.
func console(ctx context.Context, router *routing.Router, log *slog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("routerd console. Type a task to route it, /help for commands.")
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := handleCommand(ctx, router, line); quit {
					return nil
				}
				continue
			}
			routeOne(ctx, router, line)
		}
	}
}

func routeOne(ctx context.Context, router *routing.Router, task string) {
	res, err := router.Route(ctx, domain.RouteRequest{TaskDescription: task})
	if err != nil {
		fmt.Printf("  route failed: %v\n", err)
		return
	}
	fmt.Printf("  -> %s (confidence %.2f, circuit %s, fallback %v, %s)\n",
		res.SelectedAgent, res.Confidence, res.CircuitState, res.FallbackUsed,
		res.Metrics.RoutingTime.Round(time.Microsecond))
}

func handleCommand(ctx context.Context, router *routing.Router, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/health":
		for _, h := range router.AgentHealth() {
			fmt.Printf("  %-20s %-9s avail=%.2f fail=%d ok=%d\n",
				h.AgentID, h.State, h.Availability, h.FailureCount, h.SuccessCount)
		}
	case "/metrics":
		m := router.Metrics()
		fmt.Printf("  routes=%d semantic=%d preferred=%d fallbacks=%d exhausted=%d timeouts=%d last=%s\n",
			m.TotalRoutes, m.SemanticRoutes, m.PreferredRoutes,
			m.FallbacksUsed, m.Exhausted, m.Timeouts, m.LastRoutingTime)
	case "/ok", "/fail":
		if len(fields) < 2 {
			fmt.Printf("  usage: %s <agent>\n", fields[0])
			return false
		}
		if fields[0] == "/ok" {
			router.RecordSuccess(fields[1])
		} else {
			router.RecordFailure(fields[1])
		}
		fmt.Printf("  %s circuit is now %s\n", fields[1], router.CircuitState(fields[1]))
	case "/reset":
		if len(fields) < 2 {
			fmt.Println("  usage: /reset <agent>")
			return false
		}
		router.ResetCircuit(fields[1])
		fmt.Printf("  %s circuit reset\n", fields[1])
	case "/multi":
		task := strings.TrimSpace(strings.TrimPrefix(line, "/multi"))
		if task == "" {
			fmt.Println("  usage: /multi <task>")
			return false
		}
		res, err := router.DetectMultiIntent(ctx, task, 0)
		if err != nil {
			fmt.Printf("  detection failed: %v\n", err)
			return false
		}
		for _, seg := range res.Intents {
			fmt.Printf("  %-20s %.2f  %q\n", seg.AgentType, seg.Confidence, seg.Text)
		}
		fmt.Printf("  multi-agent: %v, order: %s\n",
			res.RequiresMultiAgent, strings.Join(res.ExecutionOrder, " -> "))
	case "/help":
		fmt.Println(`  <task>           route a task description
  /multi <task>    detect multiple intents in a task
  /ok <agent>      record a success for an agent
  /fail <agent>    record a failure for an agent
  /reset <agent>   force an agent's circuit closed
  /health          show per-agent circuit health
  /metrics         show aggregate routing metrics
  /quit            exit`)
	default:
		fmt.Printf("  unknown command %s, try /help\n", fields[0])
	}
	return false
}
