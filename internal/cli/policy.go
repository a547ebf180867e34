package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Seed and inspect the policy files",
	Long: `The action policy maps action names to approved, ask or rejected; an
action missing from it is rejected. The command policy is an ordered list of
regex rules; a command segment no rule matches needs approval.

Both files are re-read on every request, so edits apply immediately.

  guardbridge policy init     # write default policy files that do not exist yet
  guardbridge policy show     # print the effective command catalog`,
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default policy files (never overwrites)",
	Args:  cobra.NoArgs,
	RunE:  policyInit,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the action map and the command catalog",
	Args:  cobra.NoArgs,
	RunE:  policyShow,
}

func init() {
	policyCmd.AddCommand(policyInitCmd)
	policyCmd.AddCommand(policyShowCmd)
	rootCmd.AddCommand(policyCmd)
}

func policyInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	created, err := policy.EnsureDefaults(cfg.ActionPolicyPath, cfg.CommandPolicyPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(created) == 0 {
		fmt.Fprintln(out, "Policy files already exist; nothing written.")
	}
	for _, path := range created {
		fmt.Fprintf(out, "wrote %s\n", path)
	}
	return nil
}

func policyShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	provider := policyProvider(cfg)

	actions, err := provider.ActionPolicy()
	if err != nil {
		return fmt.Errorf("failed to load action policy: %w", err)
	}
	commands, err := provider.CommandPolicy()
	if err != nil {
		return fmt.Errorf("failed to load command policy: %w", err)
	}

	source := cfg.CommandPolicyPath
	if _, err := os.Stat(source); err != nil {
		source = ""
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Actions policy.ActionPolicy `json:"actions"`
		Catalog policy.Catalog      `json:"catalog"`
	}{actions, policy.BuildCatalog(commands, source)})
}
