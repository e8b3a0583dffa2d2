package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/gateway"
	"github.com/wardenlabs/warden/internal/llm"
	"github.com/wardenlabs/warden/internal/orchestrator"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/redact"
	"github.com/wardenlabs/warden/internal/server"
	"github.com/wardenlabs/warden/internal/turn"
	"github.com/wardenlabs/warden/internal/watchdog"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the warden server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// buildWorker creates the worker model provider from config.
func buildWorker(cfg *config.Config) llm.Provider {
	switch cfg.WorkerProvider {
	case "ollama":
		return llm.NewOllamaProvider(cfg.WorkerBaseURL)
	default:
		if cfg.WorkerBaseURL != "" {
			return llm.NewOpenAIProviderWithBaseURL(cfg.WorkerAPIKey, cfg.WorkerBaseURL)
		}
		return llm.NewOpenAIProvider(cfg.WorkerAPIKey)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	policyBaseDir := "."
	snap, err := policy.Load(ctx, cfg.PolicyFile, policyBaseDir)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	engine, err := policy.NewEngine(ctx, snap)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}
	store := policy.NewStore(snap)

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer auditStore.Close()

	watchdogBase := cfg.WatchdogBaseURL
	if watchdogBase == "" {
		log.Warn().Msg("WARDEN_WATCHDOG_BASE_URL not set — every turn will record the unavailable verdict sentinel")
		watchdogBase = "http://127.0.0.1:1"
	}
	scorer := watchdog.NewClient(watchdogBase, cfg.WatchdogAPIKey, cfg.WatchdogModel, 0, 0)
	pool := watchdog.NewPool(scorer, auditStore, cfg.WatchdogWorkers, 0)
	defer pool.Stop()

	recorder := turn.NewRecorder(redact.MustNewScrubber(), 0)
	orch := orchestrator.New(orchestrator.Config{
		Store:         store,
		Engine:        engine,
		Gateway:       gateway.New(store, &http.Client{}),
		Recorder:      recorder,
		Worker:        buildWorker(cfg),
		Pool:          pool,
		Model:         cfg.WorkerModel,
		MaxToolRounds: cfg.MaxToolRounds,
	})

	reloader := startPolicyReload(ctx, cfg, policyBaseDir, orch)
	if reloader != nil {
		defer reloader.Stop()
	}

	srv := server.NewServer(
		orch,
		store,
		auditStore,
		recorder,
		server.WithRateLimiter(server.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("policy_version", snap.Version()).
		Int("agents", len(snap.Endpoints())).
		Str("worker_provider", cfg.WorkerProvider).
		Str("worker_model", cfg.WorkerModel).
		Str("watchdog_model", cfg.WatchdogModel).
		Msg("warden_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// startPolicyReload schedules periodic policy reload when the policy file's
// reload.cron field is set. A failed reload keeps the current snapshot.
func startPolicyReload(ctx context.Context, cfg *config.Config, baseDir string, orch *orchestrator.Orchestrator) *cron.Cron {
	safePath, err := policy.ResolvePathUnderBase(baseDir, cfg.PolicyFile)
	if err != nil {
		return nil
	}
	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil
	}
	spec := policy.ReloadCron(content)
	if spec == "" {
		return nil
	}

	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		snap, err := policy.Load(ctx, cfg.PolicyFile, baseDir)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.PolicyFile).Msg("policy_reload_failed")
			return
		}
		engine, err := policy.NewEngine(ctx, snap)
		if err != nil {
			log.Error().Err(err).Msg("policy_reload_engine_failed")
			return
		}
		orch.ReloadPolicy(snap, engine)
	})
	if err != nil {
		log.Error().Err(err).Str("cron", spec).Msg("policy_reload_schedule_invalid")
		return nil
	}
	c.Start()
	log.Info().Str("cron", spec).Msg("policy_reload_scheduled")
	return c
}
