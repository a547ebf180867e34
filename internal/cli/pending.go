package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gzhole/guardbridge/internal/approval"
	"github.com/gzhole/guardbridge/internal/mediator"
	"github.com/spf13/cobra"
)

var pendingDropYes bool

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect the approval queue",
	Long: `List, inspect and drop requests waiting for human approval. Resolving a
request (running it after approval) is left to the approver's own tooling.

  guardbridge pending list
  guardbridge pending show 3f1c...
  guardbridge pending drop 3f1c... --yes`,
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests, oldest first",
	Args:  cobra.NoArgs,
	RunE:  pendingList,
}

var pendingShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Print one pending request as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  pendingShow,
}

var pendingDropCmd = &cobra.Command{
	Use:   "drop <request-id>",
	Short: "Remove a pending request without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  pendingDrop,
}

func init() {
	pendingDropCmd.Flags().BoolVarP(&pendingDropYes, "yes", "y", false, "Do not ask for confirmation")
	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingShowCmd)
	pendingCmd.AddCommand(pendingDropCmd)
	rootCmd.AddCommand(pendingCmd)
}

func openStore() (approval.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := approval.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}
	return store, nil
}

func pendingList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	all, err := store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(all) == 0 {
		fmt.Fprintln(out, "No pending requests.")
		return nil
	}
	printPending(out, all)
	return nil
}

func printPending(out io.Writer, all []approval.Pending) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST ID\tCREATED\tRULE\tTARGET")
	for _, p := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.RequestID, p.CreatedAt.Local().Format(time.DateTime), p.MatchedRule, pendingTarget(p))
	}
	tw.Flush()
}

// pendingTarget renders the action or command the stored request asks for.
func pendingTarget(p approval.Pending) string {
	var req mediator.Request
	if err := json.Unmarshal(p.Request, &req); err != nil {
		return "?"
	}
	target := req.Command
	if req.Action != "" {
		target = "action " + req.Action
	}
	if len(target) > 60 {
		target = target[:57] + "..."
	}
	return strings.ReplaceAll(target, "\t", " ")
}

func pendingShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.Get(args[0])
	if errors.Is(err, approval.ErrNotFound) {
		return fmt.Errorf("no pending request %q", args[0])
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func pendingDrop(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.Get(args[0])
	if errors.Is(err, approval.ErrNotFound) {
		return fmt.Errorf("no pending request %q", args[0])
	}
	if err != nil {
		return err
	}

	if !pendingDropYes {
		result := approval.Ask(approval.Prompt{
			Title: "Drop pending request " + p.RequestID + "?",
			Details: []string{
				"Rule:    " + p.MatchedRule,
				"Target:  " + pendingTarget(p),
				"Created: " + p.CreatedAt.Local().Format(time.DateTime),
			},
		})
		if !result.Approved {
			return fmt.Errorf("not dropped (%s)", result.UserAction)
		}
	}

	if err := store.Remove(p.RequestID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", p.RequestID)
	return nil
}
