package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <command>",
	Short: "Show how the current policy classifies a command, without running it",
	Long: `Split a command into segments and evaluate every segment against the
command policy (plus enabled packs). Nothing is executed, queued or audited.

  guardbridge analyze 'git status && npm install left-pad'`,
	Args: cobra.MinimumNArgs(1),
	RunE: analyzeCommand,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func analyzeCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cp, err := policyProvider(cfg).CommandPolicy()
	if err != nil {
		return fmt.Errorf("failed to load command policy: %w", err)
	}

	analysis := policy.NewEngine(cp).Analyze(strings.Join(args, " "))
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(analysis)
}
