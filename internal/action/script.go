package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const (
	ErrCodeTimeout    = "action_timeout"
	ErrCodeExecFailed = "action_exec_failed"

	defaultScriptTimeout = 120 * time.Second
	maxScriptOutput      = 1 << 20
)

// Script runs an external program as `<argv...> <action> <args-json>` and
// parses its stdout as JSON. Output that is not JSON is wrapped as
// {"ok": exit==0, "raw": "<text>"}.
type Script struct {
	Argv    []string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (s *Script) Execute(ctx context.Context, name string, args json.RawMessage) (int, json.RawMessage) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(s.Argv) == 0 {
		return 1, errorPayload(ErrCodeUnsupported)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	argv := append(append([]string{}, s.Argv[1:]...), name, string(args))
	// #nosec G204 -- handler argv comes from guard config, not from the worker.
	cmd := exec.CommandContext(execCtx, s.Argv[0], argv...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{buf: &stdout, max: maxScriptOutput}
	cmd.Stderr = &capWriter{buf: &stderr, max: maxScriptOutput}

	err := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		logger.Warn("action handler timed out", zap.String("action", name), zap.Duration("timeout", timeout))
		return 124, errorPayload(ErrCodeTimeout)
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			logger.Warn("action handler failed to start", zap.String("action", name), zap.Error(err))
			return 127, errorPayload(ErrCodeExecFailed)
		}
		code = exitErr.ExitCode()
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 {
		raw = bytes.TrimSpace(stderr.Bytes())
	}
	return code, parsePayload(raw, code)
}

func parsePayload(raw []byte, code int) json.RawMessage {
	if len(raw) == 0 {
		data, _ := json.Marshal(map[string]any{"ok": code == 0})
		return data
	}
	if json.Valid(raw) {
		return json.RawMessage(append([]byte{}, raw...))
	}
	data, _ := json.Marshal(map[string]any{"ok": code == 0, "raw": string(raw)})
	return data
}

// capWriter drops everything past max bytes without failing the writer.
type capWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *capWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
