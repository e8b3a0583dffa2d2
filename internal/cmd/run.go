package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/gateway"
	"github.com/wardenlabs/warden/internal/orchestrator"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/redact"
	"github.com/wardenlabs/warden/internal/turn"
	"github.com/wardenlabs/warden/internal/watchdog"
)

var runKeyID string

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Mediate a single turn from the command line",
	Long: `Runs one turn through the full pipeline — admission, worker model,
tool dispatch, sealing, watchdog scoring — without starting the HTTP
server. Useful for smoke-testing a policy file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

func init() {
	runCmd.Flags().StringVar(&runKeyID, "key-id", "", "API key ID to attribute the turn to (must exist in the policy file)")
	_ = runCmd.MarkFlagRequired("key-id")
	rootCmd.AddCommand(runCmd)
}

func runTurn(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctx, span := tracer.Start(ctx, "run")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	snap, err := policy.Load(ctx, cfg.PolicyFile, ".")
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	if _, ok := snap.Key(runKeyID); !ok {
		return fmt.Errorf("key id %q not found in policy file", runKeyID)
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
		watchdogBase = "http://127.0.0.1:1"
	}
	scorer := watchdog.NewClient(watchdogBase, cfg.WatchdogAPIKey, cfg.WatchdogModel, 0, 0)
	pool := watchdog.NewPool(scorer, auditStore, 1, 0)

	orch := orchestrator.New(orchestrator.Config{
		Store:         store,
		Engine:        engine,
		Gateway:       gateway.New(store, nil),
		Recorder:      turn.NewRecorder(redact.MustNewScrubber(), 0),
		Worker:        buildWorker(cfg),
		Pool:          pool,
		Model:         cfg.WorkerModel,
		MaxToolRounds: cfg.MaxToolRounds,
	})

	res, err := orch.HandleTurn(ctx, orchestrator.TurnRequest{
		KeyID:  runKeyID,
		Prompt: strings.Join(args, " "),
	})
	// drain scoring before printing so the audit row is complete
	pool.Stop()
	if err != nil {
		return err
	}

	fmt.Println(res.Answer)
	fmt.Printf("\ncorrelation_id: %s  tool_calls: %d", res.CorrelationID, res.ToolCalls)
	if res.ToolLoopExceeded {
		fmt.Print("  tool_loop: exceeded")
	}
	fmt.Println()
	return nil
}
