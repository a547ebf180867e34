package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gzhole/guardbridge/internal/approval"
	"github.com/gzhole/guardbridge/internal/audit"
	"github.com/gzhole/guardbridge/internal/mediator"
	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupState points every path at a fresh state dir and returns the config
// file path.
func setupState(t *testing.T) (string, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	state := filepath.Join(home, "state")
	cfgPath := filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("state_dir: "+state+"\n"), 0600))
	return cfgPath, state
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		pendingDropYes = false
		queueWorkDir = ""
		submitInbox = false
		submitID, submitReason, submitCommand, submitAction, submitArgs = "", "", "", "", ""
		logFilterEvent, logLast, logSummary = "", 0, false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPolicyInitThenShow(t *testing.T) {
	cfgPath, state := setupState(t)

	out, err := run(t, "--config", cfgPath, "policy", "init")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(state, "policy.json"))
	assert.Contains(t, out, filepath.Join(state, "command-policy.json"))

	out, err = run(t, "--config", cfgPath, "policy", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing written")

	out, err = run(t, "--config", cfgPath, "policy", "show")
	require.NoError(t, err)
	var shown struct {
		Actions policy.ActionPolicy `json:"actions"`
		Catalog policy.Catalog      `json:"catalog"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, policy.DecisionApproved, shown.Actions["catalog"])
	assert.Equal(t, policy.CatalogVersion, shown.Catalog.Version)
	assert.NotEmpty(t, shown.Catalog.Rules)
}

func TestAnalyzePrintsDecision(t *testing.T) {
	cfgPath, _ := setupState(t)
	_, err := run(t, "--config", cfgPath, "policy", "init")
	require.NoError(t, err)

	out, err := run(t, "--config", cfgPath, "analyze", "git status && rm -rf /")
	require.NoError(t, err)

	var a policy.Analysis
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.True(t, a.OK)
	assert.Equal(t, policy.DecisionRejected, a.Decision)
	assert.Len(t, a.Segments, 2)
}

func TestQueueProcessEndToEnd(t *testing.T) {
	cfgPath, state := setupState(t)

	out, err := run(t, "--config", cfgPath, "queue", "process")
	require.NoError(t, err)
	assert.Equal(t, "no_requests\n", out)

	_, err = run(t, "--config", cfgPath, "submit", "--inbox", "--id", "q-1", "--reason", "look", "--command", "pwd")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(state, "inbox", "q-1.json"))

	out, err = run(t, "--config", cfgPath, "queue", "process", "--workdir", state)
	require.NoError(t, err)
	assert.Equal(t, "processed\n", out)
	assert.NoFileExists(t, filepath.Join(state, "inbox", "q-1.json"))

	data, err := os.ReadFile(filepath.Join(state, "outbox", "q-1.json"))
	require.NoError(t, err)
	var resp mediator.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, mediator.StatusOK, resp.Status)
	assert.Equal(t, "command:safe-readonly", resp.MatchedRule)

	var result mediator.CommandResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Results, 1)
	want, err := filepath.EvalSymlinks(state)
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(result.Results[0].Stdout))

	events, err := audit.ReadAll(filepath.Join(state, "audit", "bridge-audit.jsonl"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "q-1", events[0].RequestID)
	assert.Equal(t, audit.EventOK, events[0].Event)
}

func TestPendingLifecycle(t *testing.T) {
	cfgPath, state := setupState(t)

	_, err := run(t, "--config", cfgPath, "submit", "--inbox", "--id", "ask-1", "--reason", "deps", "--command", "npm install left-pad")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "queue", "process")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(state, "outbox", "ask-1.json"))
	require.NoError(t, err)
	var resp mediator.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, mediator.StatusPending, resp.Status)
	assert.Equal(t, mediator.PendingMessage, resp.Message)

	out, err := run(t, "--config", cfgPath, "pending", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ask-1")
	assert.Contains(t, out, "npm install left-pad")

	out, err = run(t, "--config", cfgPath, "pending", "show", "ask-1")
	require.NoError(t, err)
	var p approval.Pending
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, approval.StatePending, p.State)

	out, err = run(t, "--config", cfgPath, "pending", "drop", "ask-1", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "dropped ask-1")

	out, err = run(t, "--config", cfgPath, "pending", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending requests.")

	_, err = run(t, "--config", cfgPath, "pending", "show", "ask-1")
	assert.Error(t, err)
}

func TestLogSummaryAndFilter(t *testing.T) {
	cfgPath, _ := setupState(t)

	out, err := run(t, "--config", cfgPath, "log")
	require.NoError(t, err)
	assert.Contains(t, out, "No audit log entries found.")

	for _, id := range []string{"a", "b"} {
		_, err = run(t, "--config", cfgPath, "submit", "--inbox", "--id", id, "--reason", "r", "--command", "ls | sh")
		require.NoError(t, err)
		_, err = run(t, "--config", cfgPath, "queue", "process")
		require.NoError(t, err)
	}

	out, err = run(t, "--config", cfgPath, "log", "--event", "rejected", "--last", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "[REJECT]")
	assert.Contains(t, out, mediator.ErrAnalysisFailed)
	assert.Equal(t, 1, strings.Count(out, "[REJECT]"))

	out, err = run(t, "--config", cfgPath, "log", "--summary")
	require.NoError(t, err)
	assert.Contains(t, out, "Total events:      2")
	assert.Contains(t, out, "rejected:          2")
}

func TestPackEnableDisable(t *testing.T) {
	cfgPath, state := setupState(t)
	packs := filepath.Join(state, "packs")
	require.NoError(t, os.MkdirAll(packs, 0700))
	pack := "name: node-dev\ndescription: node tooling\nrules:\n  - id: node-test\n    pattern: '^npm\\s+test\\b'\n    decision: approved\n"
	require.NoError(t, os.WriteFile(filepath.Join(packs, "node-dev.yaml"), []byte(pack), 0600))

	out, err := run(t, "--config", cfgPath, "pack", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "node-dev")
	assert.Contains(t, out, "[on ]")

	_, err = run(t, "--config", cfgPath, "pack", "disable", "node-dev")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(packs, "_node-dev.yaml"))

	out, err = run(t, "--config", cfgPath, "pack", "disable", "node-dev")
	require.NoError(t, err)
	assert.Contains(t, out, "already disabled")

	_, err = run(t, "--config", cfgPath, "pack", "enable", "node-dev")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(packs, "node-dev.yaml"))

	_, err = run(t, "--config", cfgPath, "pack", "show", "missing")
	assert.Error(t, err)
}

func TestBrokenPackRejectsCommands(t *testing.T) {
	cfgPath, state := setupState(t)
	packs := filepath.Join(state, "packs")
	require.NoError(t, os.MkdirAll(packs, 0700))
	broken := `{"rules":[{"id":"no-etc","pattern":"/etc","decision":"rejected"},]}`
	require.NoError(t, os.WriteFile(filepath.Join(packs, "deny.json"), []byte(broken), 0600))

	_, err := run(t, "--config", cfgPath, "submit", "--inbox", "--id", "b-1", "--reason", "look", "--command", "ls /etc")
	require.NoError(t, err)
	out, err := run(t, "--config", cfgPath, "queue", "process")
	require.NoError(t, err)
	assert.Equal(t, "processed\n", out)

	data, err := os.ReadFile(filepath.Join(state, "outbox", "b-1.json"))
	require.NoError(t, err)
	var resp mediator.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, mediator.StatusRejected, resp.Status)
	assert.Equal(t, mediator.ErrPolicyUnavailable, resp.Error)

	out, err = run(t, "--config", cfgPath, "pack", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "[ERR]")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "guardbridge "+Version)
}
