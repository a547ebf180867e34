package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gzhole/guardbridge/internal/transport/filequeue"
	"github.com/gzhole/guardbridge/internal/transport/socket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	serveWatchQueue bool
	serveWorkDir    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the socket server (and optionally the queue watcher)",
	Long: `Listen on the configured Unix socket and mediate one request per
connection until interrupted. With --watch-queue the inbox is watched in the
same process; both transports share one mediator and never mediate two
requests at the same time.

  guardbridge serve
  guardbridge serve --watch-queue --workdir /srv/worker`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWatchQueue, "watch-queue", false, "Also process the inbox directory")
	serveCmd.Flags().StringVar(&serveWorkDir, "workdir", "", "Directory every command chain starts in (default: current directory)")
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	g, err := openGuard(cfg, serveWorkDir, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := g.handler()
	eg, egCtx := errgroup.WithContext(ctx)

	srv := socket.NewServer(cfg.SocketPath, cfg.Socket, h, logger)
	eg.Go(func() error {
		return srv.Serve(egCtx)
	})

	if serveWatchQueue {
		q := &filequeue.Queue{Inbox: cfg.InboxDir, Outbox: cfg.OutboxDir, Handler: h, Logger: logger}
		eg.Go(func() error {
			return q.Watch(egCtx, cfg.Queue.PollInterval)
		})
	}

	logger.Info("guardbridge serving",
		zap.String("socket", cfg.SocketPath),
		zap.Bool("watch_queue", serveWatchQueue),
		zap.Strings("actions", g.registry.Names()))

	return eg.Wait()
}
