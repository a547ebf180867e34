package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gzhole/guardbridge/internal/transport/filequeue"
	"github.com/spf13/cobra"
)

var queueWorkDir string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Process requests from the inbox directory",
	Long: `Mediate request files dropped into the inbox and write responses to the
outbox as <requestId>.json.

  guardbridge queue process     # handle the oldest request, print the outcome
  guardbridge queue watch       # keep draining the inbox until interrupted`,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Handle the single oldest inbox request",
	Args:  cobra.NoArgs,
	RunE:  queueProcess,
}

var queueWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the inbox and handle requests as they arrive",
	Args:  cobra.NoArgs,
	RunE:  queueWatch,
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueWorkDir, "workdir", "", "Directory every command chain starts in (default: current directory)")
	queueCmd.AddCommand(queueProcessCmd)
	queueCmd.AddCommand(queueWatchCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueue() (*filequeue.Queue, *guard, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	g, err := openGuard(cfg, queueWorkDir, logger)
	if err != nil {
		return nil, nil, err
	}
	q := &filequeue.Queue{Inbox: cfg.InboxDir, Outbox: cfg.OutboxDir, Handler: g.handler(), Logger: logger}
	return q, g, nil
}

func queueProcess(cmd *cobra.Command, args []string) error {
	q, g, err := openQueue()
	if err != nil {
		return err
	}
	defer g.Close()

	outcome, err := q.ProcessOne(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), outcome)
	return nil
}

func queueWatch(cmd *cobra.Command, args []string) error {
	q, g, err := openQueue()
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return q.Watch(ctx, g.cfg.Queue.PollInterval)
}
