package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gzhole/guardbridge/internal/audit"
	"github.com/spf13/cobra"
)

var (
	logFilterEvent string
	logLast        int
	logSummary     bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the audit trail",
	Long: `View the guardbridge audit trail with filtering and summary options.

Examples:
  guardbridge log                           # Show all entries
  guardbridge log --last 20                 # Show last 20 entries
  guardbridge log --event rejected          # Show only rejections
  guardbridge log --event pending_approval  # Show requests parked for approval
  guardbridge log --summary                 # Show summary stats`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logFilterEvent, "event", "", "Filter by event (ok, error, rejected, pending_approval)")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N entries")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	events, err := audit.ReadAll(cfg.AuditPath)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit log entries found.")
		return nil
	}

	if logSummary {
		printSummary(out, events)
		return nil
	}

	printEvents(out, audit.Last(audit.Filter(events, logFilterEvent), logLast))
	return nil
}

func printEvents(out io.Writer, events []audit.Event) {
	for _, e := range events {
		target := e.Command
		if e.Action != "" {
			target = "action " + e.Action
		}
		fmt.Fprintf(out, "[%s] %s %s %s\n", eventTag(e.Event), formatTimestamp(e.Ts), e.RequestID, target)

		if e.RequestedBy != "" {
			fmt.Fprintf(out, "     By: %s\n", e.RequestedBy)
		}
		if e.MatchedRule != "" {
			fmt.Fprintf(out, "     Rule: %s\n", e.MatchedRule)
		}
		if e.Reason != "" {
			fmt.Fprintf(out, "     Reason: %s\n", e.Reason)
		}
		if e.Error != "" {
			fmt.Fprintf(out, "     Error: %s\n", e.Error)
		}
		fmt.Fprintln(out)
	}
}

func printSummary(out io.Writer, all []audit.Event) {
	s := audit.Summarize(all)
	errorCount := 0
	for _, e := range all {
		if e.Error != "" {
			errorCount++
		}
	}

	rule := strings.Repeat("=", 43)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "  guardbridge Audit Summary")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "  Total events:      %d\n", s.Total)
	fmt.Fprintf(out, "  ok:                %d\n", s.ByKind[audit.EventOK])
	fmt.Fprintf(out, "  error:             %d\n", s.ByKind[audit.EventError])
	fmt.Fprintf(out, "  rejected:          %d\n", s.ByKind[audit.EventRejected])
	fmt.Fprintf(out, "  pending_approval:  %d\n", s.ByKind[audit.EventPending])
	fmt.Fprintf(out, "  With error code:   %d\n", errorCount)
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "  First event:       %s\n", formatTimestamp(s.First))
	fmt.Fprintf(out, "  Last event:        %s\n", formatTimestamp(s.LastTs))

	rejected := audit.Last(audit.Filter(all, audit.EventRejected), 10)
	if len(rejected) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Recent rejections:")
		for _, e := range rejected {
			fmt.Fprintf(out, "    %s %s %s\n", formatTimestamp(e.Ts), e.Error, e.MatchedRule)
		}
	}

	rules := map[string]int{}
	for _, e := range all {
		if e.MatchedRule != "" {
			rules[e.MatchedRule]++
		}
	}
	if len(rules) > 0 {
		names := make([]string, 0, len(rules))
		for name := range rules {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if rules[names[i]] != rules[names[j]] {
				return rules[names[i]] > rules[names[j]]
			}
			return names[i] < names[j]
		})
		if len(names) > 5 {
			names = names[:5]
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Top rules:")
		for _, name := range names {
			fmt.Fprintf(out, "    %4d  %s\n", rules[name], name)
		}
	}
	fmt.Fprintln(out)
}

func eventTag(event string) string {
	switch event {
	case audit.EventRejected:
		return "REJECT"
	case audit.EventPending:
		return "ASK"
	case audit.EventOK:
		return "OK"
	case audit.EventError:
		return "ERROR"
	default:
		return "?"
	}
}

func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
