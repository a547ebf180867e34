package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/spf13/cobra"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Manage command rule packs",
	Long: `Rule packs are JSON or YAML files of extra command rules kept in the packs
directory (default ~/.guardbridge/packs/). Enabled packs are appended after the
base command policy on every request. A file whose name starts with "_" is
disabled.

Examples:
  guardbridge pack list               # List installed packs
  guardbridge pack enable node-dev    # Enable a pack
  guardbridge pack disable node-dev   # Disable a pack
  guardbridge pack show node-dev      # Print a pack file`,
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed rule packs",
	RunE:  packList,
}

var packEnableCmd = &cobra.Command{
	Use:   "enable <pack-name>",
	Short: "Enable a disabled rule pack",
	Args:  cobra.ExactArgs(1),
	RunE:  packEnable,
}

var packDisableCmd = &cobra.Command{
	Use:   "disable <pack-name>",
	Short: "Disable a rule pack (prefix with underscore)",
	Args:  cobra.ExactArgs(1),
	RunE:  packDisable,
}

var packShowCmd = &cobra.Command{
	Use:   "show <pack-name>",
	Short: "Show a rule pack file",
	Args:  cobra.ExactArgs(1),
	RunE:  packShow,
}

var packExtensions = []string{".yaml", ".yml", ".json"}

func init() {
	packCmd.AddCommand(packListCmd)
	packCmd.AddCommand(packEnableCmd)
	packCmd.AddCommand(packDisableCmd)
	packCmd.AddCommand(packShowCmd)
	rootCmd.AddCommand(packCmd)
}

func packsDir() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cfg.PolicyPacksDir, 0700); err != nil {
		return "", err
	}
	return cfg.PolicyPacksDir, nil
}

// findPack returns the path of the pack called name, looking for enabled or
// disabled variants with any supported extension.
func findPack(dir, name string, enabled bool) string {
	prefix := ""
	if !enabled {
		prefix = "_"
	}
	for _, ext := range packExtensions {
		path := filepath.Join(dir, prefix+name+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func packList(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	_, infos, err := policy.LoadPacks(dir, &policy.CommandPolicy{})
	if err != nil {
		return fmt.Errorf("failed to load packs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Fprintln(out, "No rule packs installed.")
		fmt.Fprintf(out, "\nTo install packs, copy JSON or YAML files to: %s\n", dir)
		return nil
	}

	fmt.Fprintln(out, "Installed Rule Packs:")
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, info := range infos {
		status := "on "
		if !info.Enabled {
			status = "off"
		}
		if info.Error != "" {
			status = "ERR"
		}
		fmt.Fprintf(out, "  [%s] %-25s %s\n", status, info.Name, info.Description)
		if info.Version != "" {
			fmt.Fprintf(out, "        v%s by %s  (%d rules)\n", info.Version, info.Author, info.RuleCount)
		}
		if info.Error != "" {
			fmt.Fprintf(out, "        %s\n", info.Error)
		}
	}
	fmt.Fprintln(out, strings.Repeat("-", 60))
	fmt.Fprintf(out, "\nPacks directory: %s\n", dir)
	return nil
}

func packEnable(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	name := args[0]
	out := cmd.OutOrStdout()

	if disabled := findPack(dir, name, false); disabled != "" {
		enabled := filepath.Join(dir, strings.TrimPrefix(filepath.Base(disabled), "_"))
		if err := os.Rename(disabled, enabled); err != nil {
			return fmt.Errorf("failed to enable pack: %w", err)
		}
		fmt.Fprintf(out, "Pack '%s' enabled.\n", name)
		return nil
	}
	if findPack(dir, name, true) != "" {
		fmt.Fprintf(out, "Pack '%s' is already enabled.\n", name)
		return nil
	}
	return fmt.Errorf("pack '%s' not found in %s", name, dir)
}

func packDisable(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	name := args[0]
	out := cmd.OutOrStdout()

	if enabled := findPack(dir, name, true); enabled != "" {
		disabled := filepath.Join(dir, "_"+filepath.Base(enabled))
		if err := os.Rename(enabled, disabled); err != nil {
			return fmt.Errorf("failed to disable pack: %w", err)
		}
		fmt.Fprintf(out, "Pack '%s' disabled.\n", name)
		return nil
	}
	if findPack(dir, name, false) != "" {
		fmt.Fprintf(out, "Pack '%s' is already disabled.\n", name)
		return nil
	}
	return fmt.Errorf("pack '%s' not found in %s", name, dir)
}

func packShow(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	name := args[0]

	path := findPack(dir, name, true)
	if path == "" {
		path = findPack(dir, name, false)
	}
	if path == "" {
		return fmt.Errorf("pack '%s' not found in %s", name, dir)
	}

	// #nosec G304 -- path is inside the configured packs directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
