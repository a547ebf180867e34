package approval

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const notifyTimeout = 10 * time.Second

// Notifier tells a human that a request is waiting. Delivery is best
// effort: callers log a returned error and carry on.
type Notifier interface {
	Notify(ctx context.Context, requestID, summary string) error
}

// CommandNotifier runs `<Argv...> <requestId> <summary>`.
type CommandNotifier struct {
	Argv    []string
	Timeout time.Duration
}

func (n *CommandNotifier) Notify(ctx context.Context, requestID, summary string) error {
	if len(n.Argv) == 0 {
		return errors.New("notify command is empty")
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = notifyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, n.Argv[1:]...), requestID, summary)
	// #nosec G204 -- notifier argv comes from guard config.
	cmd := exec.CommandContext(ctx, n.Argv[0], args...)
	cmd.WaitDelay = time.Second
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify %s: %w (%s)", n.Argv[0], err, truncate(string(out), 200))
	}
	return nil
}

// LogNotifier records the pending request in the operational log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, requestID, summary string) error {
	if n.Logger != nil {
		n.Logger.Info("approval required", zap.String("request_id", requestID), zap.String("summary", summary))
	}
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, requestID, summary string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, requestID, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
