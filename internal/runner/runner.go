// Package runner executes an approved command chain, one segment at a time,
// threading the working directory through the chain.
package runner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gzhole/guardbridge/internal/config"
	"github.com/gzhole/guardbridge/internal/segment"
	"go.uber.org/zap"
)

const (
	ErrCodeEmptyArgv      = "empty_argv"
	ErrCodeCdNotDirectory = "cd_target_not_directory"
	ErrCodeNotFound       = "command_not_found"
	ErrCodeTimeout        = "command_timeout"
	ErrCodeExecFailed     = "exec_failed"

	SkipReasonAnd = "previous_failed_with_and"

	exitEmptyArgv  = 2
	exitExecFailed = 126
	exitNotFound   = 127
	exitTimeout    = 124

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the direct child was killed.
	waitDelay = 2 * time.Second
)

// ChainState is what one step hands to the next.
type ChainState struct {
	Cwd string
}

// Result is the outcome of one segment. Skipped segments carry only
// Segment, Skipped and Reason.
type Result struct {
	OK       bool     `json:"ok"`
	Segment  string   `json:"segment"`
	Argv     []string `json:"argv,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	ExitCode *int     `json:"exitCode,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Error    string   `json:"error,omitempty"`
	Builtin  string   `json:"builtin,omitempty"`
	Target   string   `json:"target,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Outcome is the aggregate of a chain run. OK is true when every segment
// either succeeded or was skipped.
type Outcome struct {
	OK       bool     `json:"ok"`
	Results  []Result `json:"results"`
	FinalCwd string   `json:"finalCwd"`
}

type Runner struct {
	timeout    time.Duration
	stdoutTail int
	stderrTail int
	homeDir    string
	logger     *zap.Logger
}

func New(cfg config.ExecConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := config.DefaultExecConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	homeDir, _ := os.UserHomeDir()
	return &Runner{
		timeout:    cfg.Timeout,
		stdoutTail: cfg.StdoutTailBytes,
		stderrTail: cfg.StderrTailBytes,
		homeDir:    homeDir,
		logger:     logger,
	}
}

// Run folds the chain over state. An empty state.Cwd starts from the
// process working directory. Side effects of completed segments are never
// rolled back.
func (r *Runner) Run(ctx context.Context, chain segment.Chain, state ChainState) Outcome {
	if state.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			state.Cwd = wd
		}
	}

	out := Outcome{OK: true, Results: make([]Result, 0, len(chain.Segments))}
	prevExit := 0
	for i, seg := range chain.Segments {
		if i > 0 && chain.Operators[i-1] == segment.OpAnd && prevExit != 0 {
			// prevExit is left alone: a skipped segment did not run.
			out.Results = append(out.Results, Result{
				OK:      false,
				Segment: seg.Text,
				Skipped: true,
				Reason:  SkipReasonAnd,
			})
			continue
		}

		var res Result
		res, state, prevExit = r.Step(ctx, seg, state)
		out.Results = append(out.Results, res)
		if !res.OK {
			out.OK = false
		}
	}
	out.FinalCwd = state.Cwd
	return out
}

// Step runs one segment and returns its result, the state for the next
// segment, and the exit code used for && short-circuiting.
func (r *Runner) Step(ctx context.Context, seg segment.Segment, state ChainState) (Result, ChainState, int) {
	if len(seg.Argv) == 0 {
		return Result{OK: false, Segment: seg.Text, Error: ErrCodeEmptyArgv}, state, exitEmptyArgv
	}
	if seg.Argv[0] == "cd" {
		return r.changeDir(seg, state)
	}
	res, code := r.exec(ctx, seg, state.Cwd)
	return res, state, code
}

func (r *Runner) changeDir(seg segment.Segment, state ChainState) (Result, ChainState, int) {
	target := "~"
	if len(seg.Argv) > 1 {
		target = seg.Argv[1]
	}

	resolved := r.resolveDir(target, state.Cwd)
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		r.logger.Debug("cd refused", zap.String("target", target), zap.String("resolved", resolved))
		return Result{
			OK:      false,
			Segment: seg.Text,
			Error:   ErrCodeCdNotDirectory,
			Target:  target,
		}, state, 1
	}

	zero := 0
	return Result{
		OK:       true,
		Segment:  seg.Text,
		Builtin:  "cd",
		Cwd:      resolved,
		ExitCode: &zero,
	}, ChainState{Cwd: resolved}, 0
}

// resolveDir expands ~, anchors relative paths at cwd and resolves symlinks
// when the target exists.
func (r *Runner) resolveDir(target, cwd string) string {
	path := target
	switch {
	case path == "~" && r.homeDir != "":
		path = r.homeDir
	case strings.HasPrefix(path, "~/") && r.homeDir != "":
		path = filepath.Join(r.homeDir, path[2:])
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	path = filepath.Clean(path)
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	return path
}

func (r *Runner) exec(ctx context.Context, seg segment.Segment, cwd string) (Result, int) {
	res := Result{Segment: seg.Text, Argv: seg.Argv, Cwd: cwd}

	// Once started a segment runs to completion or timeout; shutting the
	// guard down does not abort it.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	// #nosec G204 -- argv was approved by policy before reaching here.
	cmd := exec.CommandContext(execCtx, seg.Argv[0], seg.Argv[1:]...)
	cmd.Dir = cwd
	cmd.WaitDelay = waitDelay

	stdout := &tailWriter{max: r.stdoutTail}
	stderr := &tailWriter{max: r.stderrTail}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	fail := func(code string, exit int) (Result, int) {
		res.OK = false
		res.Error = code
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		r.logger.Debug("segment failed",
			zap.Strings("argv", seg.Argv),
			zap.String("error", code),
			zap.Duration("elapsed", elapsed),
			zap.NamedError("cause", err))
		return res, exit
	}

	switch {
	case err == nil:
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return fail(ErrCodeTimeout, exitTimeout)
	case isNotFound(err):
		res.Stdout, res.Stderr = "", ""
		return fail(ErrCodeNotFound, exitNotFound)
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fail(ErrCodeExecFailed, exitExecFailed)
		}
	}

	code := cmd.ProcessState.ExitCode()
	res.OK = code == 0
	res.ExitCode = &code
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if stdout.Truncated() || stderr.Truncated() {
		r.logger.Debug("segment output truncated",
			zap.Strings("argv", seg.Argv),
			zap.Int64("stdout_discarded", stdout.discarded),
			zap.Int64("stderr_discarded", stderr.discarded))
	}
	r.logger.Debug("segment finished",
		zap.Strings("argv", seg.Argv),
		zap.Int("exit_code", code),
		zap.Duration("elapsed", elapsed))
	return res, code
}

// isNotFound reports a missing executable, either from PATH lookup or from
// a direct path that does not exist. A missing working directory is not.
func isNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return false
	}
	return errors.Is(err, fs.ErrNotExist)
}
