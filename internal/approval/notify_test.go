package approval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string, string) error {
	return errors.New("channel down")
}

func TestCommandNotifier_PassesIDAndSummary(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "notified")
	script := filepath.Join(dir, "notify.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf '%s|%s' \"$1\" \"$2\" > "+outFile+"\n"), 0700))

	n := &CommandNotifier{Argv: []string{script}}
	require.NoError(t, n.Notify(context.Background(), "req-9", "email.send by worker"))

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "req-9|email.send by worker", string(data))
}

func TestCommandNotifier_FailureIsReturned(t *testing.T) {
	n := &CommandNotifier{Argv: []string{"/bin/sh", "-c", "echo boom >&2; exit 1", "notify"}}
	err := n.Notify(context.Background(), "req-1", "x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "boom"), "stderr should be surfaced, got %v", err)
}

func TestMulti_JoinsErrorsAndKeepsGoing(t *testing.T) {
	var logged bool
	m := Multi{
		failingNotifier{},
		notifierFunc(func() { logged = true }),
	}
	err := m.Notify(context.Background(), "req-1", "x")
	assert.Error(t, err)
	assert.True(t, logged, "later notifiers must still run after a failure")
}

type notifierFunc func()

func (f notifierFunc) Notify(context.Context, string, string) error {
	f()
	return nil
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
		action   string
	}{
		{"y\n", true, "confirm"},
		{"yes\n", true, "confirm"},
		{"n\n", false, "decline"},
		{"maybe\ny\n", true, "confirm"},
		{"", false, "error_reading_input"},
		{"garbage", false, "error_reading_input"},
	}
	for _, tt := range tests {
		var out strings.Builder
		got := Confirm(strings.NewReader(tt.input), &out, Prompt{Title: "Drop pending request req-1?"})
		if got.Approved != tt.approved || got.UserAction != tt.action {
			t.Errorf("input %q: got %+v", tt.input, got)
		}
		if !strings.Contains(out.String(), "Drop pending request req-1?") {
			t.Errorf("prompt title not printed")
		}
	}
}
