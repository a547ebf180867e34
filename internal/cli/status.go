package cli

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gzhole/guardbridge/internal/approval"
	"github.com/gzhole/guardbridge/internal/config"
	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/spf13/cobra"
)

const (
	iconOK   = "\xe2\x9c\x85"     // check mark
	iconWarn = "\xe2\x9a\xa0\x20" // warning sign
	iconNone = "\xe2\xac\x9a\x20" // empty square
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show guardbridge status: socket, queue, policy, approvals, audit trail",
	Long: `Check whether a guard is listening, how many requests are waiting in the
inbox and the approval queue, and whether the policy and audit files exist.

  guardbridge status`,
	RunE: statusCommand,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func section(out io.Writer, title string) {
	fmt.Fprintf(out, "--- %s %s\n", title, strings.Repeat("-", 50-len(title)))
}

func statusCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	rule := strings.Repeat("=", 55)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "  guardbridge Status")
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out)

	binPath, err := os.Executable()
	if err != nil {
		binPath = "unknown"
	}
	fmt.Fprintf(out, "  Binary:    %s (%s)\n", binPath, Version)
	fmt.Fprintf(out, "  State:     %s\n", cfg.StateDir)
	fmt.Fprintln(out)

	section(out, "Transports")
	checkSocket(out, cfg.SocketPath)
	checkSpool(out, "Inbox", cfg.InboxDir)
	checkSpool(out, "Outbox", cfg.OutboxDir)
	fmt.Fprintln(out)

	section(out, "Policy")
	checkPolicyFile(out, "Action policy", cfg.ActionPolicyPath)
	checkPolicyFile(out, "Command policy", cfg.CommandPolicyPath)
	if cp, err := policy.LoadCommandPolicy(cfg.CommandPolicyPath); err == nil {
		_, infos, err := policy.LoadPacks(cfg.PolicyPacksDir, cp)
		if err == nil && len(infos) > 0 {
			enabled := 0
			for _, info := range infos {
				switch {
				case info.Enabled && info.Error != "":
					fmt.Fprintf(out, "  %s Pack %s is broken; commands are rejected until it is fixed or disabled\n", iconWarn, info.Name)
				case info.Enabled:
					enabled++
				}
			}
			fmt.Fprintf(out, "  %s Rule packs: %d installed, %d enabled\n", iconOK, len(infos), enabled)
		} else {
			fmt.Fprintf(out, "  %s No rule packs installed\n", iconNone)
		}
	} else {
		fmt.Fprintf(out, "  %s Command policy unreadable: %v\n", iconWarn, err)
	}
	fmt.Fprintln(out)

	section(out, "Approvals")
	checkApprovals(out, cfg)
	fmt.Fprintln(out)

	section(out, "Audit Log")
	checkAuditLog(out, cfg.AuditPath)
	fmt.Fprintln(out)

	return nil
}

func checkSocket(out io.Writer, path string) {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		fmt.Fprintf(out, "  %s Socket: no guard listening (%s)\n", iconNone, path)
		return
	}
	conn.Close()
	fmt.Fprintf(out, "  %s Socket: listening (%s)\n", iconOK, path)
}

func checkSpool(out io.Writer, name, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(out, "  %s %s: %v\n", iconWarn, name, err)
		return
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	fmt.Fprintf(out, "  %s %s: %d file(s) in %s\n", iconOK, name, n, dir)
}

func checkPolicyFile(out io.Writer, name, path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "  %s %s: %s\n", iconOK, name, path)
	} else {
		fmt.Fprintf(out, "  %s %s: not seeded yet (%s)\n", iconNone, name, path)
	}
}

func checkApprovals(out io.Writer, cfg *config.Config) {
	store, err := approval.Open(cfg)
	if err != nil {
		fmt.Fprintf(out, "  %s Store (%s): %v\n", iconWarn, cfg.ApprovalStore, err)
		return
	}
	defer store.Close()

	pending, err := store.List()
	if err != nil {
		fmt.Fprintf(out, "  %s Store (%s): %v\n", iconWarn, cfg.ApprovalStore, err)
		return
	}
	icon := iconOK
	if len(pending) > 0 {
		icon = iconWarn
	}
	fmt.Fprintf(out, "  %s Store (%s): %d request(s) awaiting approval\n", icon, cfg.ApprovalStore, len(pending))
}

func checkAuditLog(out io.Writer, path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(out, "  %s %s (not yet created, starts on first request)\n", iconNone, path)
		return
	}

	sizeKB := info.Size() / 1024
	if sizeKB == 0 {
		fmt.Fprintf(out, "  %s %s (<1 KB)\n", iconOK, path)
	} else {
		fmt.Fprintf(out, "  %s %s (%d KB)\n", iconOK, path, sizeKB)
	}
}
