package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/config"
)

var (
	auditRiskLevel string
	auditLimit     int
	auditJSON      bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sealed turn records",
	RunE:  auditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show [correlation-id]",
	Short: "Show the full record and verdict for a turn",
	Args:  cobra.ExactArgs(1),
	RunE:  auditShow,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [correlation-id]",
	Short: "Verify HMAC signatures of a turn record and its verdict",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditRiskLevel, "risk-level", "", "Filter by verdict risk level (low, medium, high, unknown)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum records to show")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Emit JSON instead of a table")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	index, err := store.ListIndex(ctx, auditRiskLevel, time.Time{}, time.Time{}, auditLimit)
	if err != nil {
		return fmt.Errorf("querying audit trail: %w", err)
	}

	if auditJSON {
		return json.NewEncoder(os.Stdout).Encode(index)
	}
	if len(index) == 0 {
		fmt.Println("No audit records found.")
		return nil
	}
	renderAuditList(os.Stdout, index)
	return nil
}

func renderAuditList(w io.Writer, index []audit.Index) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CORRELATION ID\tSEALED\tTOOLS\tRISK\tLOOP")
	for _, e := range index {
		risk := e.RiskLevel
		if e.VerdictPending {
			risk = "(pending)"
		}
		loop := ""
		if e.ToolLoopExceeded {
			loop = "exceeded"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.CorrelationID,
			e.SealedAt.UTC().Format(time.RFC3339),
			e.ToolCalls,
			risk,
			loop,
		)
	}
	_ = tw.Flush()
}

func auditShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	detail, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(detail)
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	ok, err := store.Verify(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("✗ Signature INVALID: %s\n", args[0])
		return fmt.Errorf("signature verification failed")
	}
	fmt.Printf("✓ Signature valid: %s\n", args[0])
	return nil
}
