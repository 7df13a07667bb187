package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/teilomillet/lindagate/server"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration and check it the way serve does: field values,
provider endpoints, the safety rule file, the prompt templates and the
route table.

Examples:
  lindagate validate --config lindagate.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := server.Validate(cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid")
	if verbose {
		fmt.Fprintf(out, "  routes:     %d\n", len(cfg.Routes))
		fmt.Fprintf(out, "  rate limit: %s, %d per %s\n", cfg.RateLimit.Backend, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
		rules := cfg.Safety.RulesFile
		if rules == "" {
			rules = "built-in"
		}
		fmt.Fprintf(out, "  rules:      %s\n", rules)
	}
	return nil
}
