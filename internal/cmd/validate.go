package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/policy"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a policy file",
	Long:  "Parses warden.policy.yaml, checks agent and key definitions, and compiles the admission rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, span := tracer.Start(ctx, "validate")
		defer span.End()

		if validateFile == "" {
			validateFile = "warden.policy.yaml"
		}

		snap, err := policy.Load(ctx, validateFile, ".")
		if err != nil {
			log.Error().
				Err(err).
				Str("file", validateFile).
				Msg("policy_validation_failed")
			fmt.Fprintf(os.Stderr, "✗ Validation failed: %s\n", validateFile)
			return fmt.Errorf("validation failed: %w", err)
		}

		// Creating the engine compiles the Rego rules, verifying correctness
		if _, err := policy.NewEngine(ctx, snap); err != nil {
			fmt.Fprintf(os.Stderr, "✗ Policy compilation failed: %s\n", validateFile)
			return fmt.Errorf("policy engine initialization failed: %w", err)
		}

		fmt.Printf("✓ Policy valid: %s\n", validateFile)
		fmt.Printf("  Version: %s\n", snap.Version())
		fmt.Printf("  Agents:  %d\n", len(snap.Endpoints()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "policy file to validate (default: warden.policy.yaml)")
}
