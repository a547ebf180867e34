package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ApprovalStore != ApprovalStoreFile {
		t.Errorf("expected approval store %q, got %q", ApprovalStoreFile, cfg.ApprovalStore)
	}
	if cfg.Exec.Timeout != 120*time.Second {
		t.Errorf("expected 120s exec timeout, got %s", cfg.Exec.Timeout)
	}
	if cfg.Exec.StdoutTailBytes != 6000 || cfg.Exec.StderrTailBytes != 4000 {
		t.Errorf("unexpected tail sizes %d/%d", cfg.Exec.StdoutTailBytes, cfg.Exec.StderrTailBytes)
	}
	if cfg.Socket.MaxRequestBytes != 64*1024 {
		t.Errorf("expected 64KiB request cap, got %d", cfg.Socket.MaxRequestBytes)
	}

	for _, dir := range []string{cfg.StateDir, cfg.InboxDir, cfg.OutboxDir, filepath.Dir(cfg.AuditPath)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", dir)
		}
	}
}

func TestLoad_YAMLOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("GUARD_STATE", filepath.Join(home, "state"))

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
state_dir: ${GUARD_STATE}
approval_store: sqlite
exec:
  timeout: 5s
  stdout_tail_bytes: 100
notify:
  command: ["/usr/local/bin/notify-guard"]
actions:
  email.send:
    command: ["/opt/guard/email.sh"]
    timeout: 30s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StateDir != filepath.Join(home, "state") {
		t.Errorf("expected env-expanded state dir, got %s", cfg.StateDir)
	}
	if cfg.InboxDir != filepath.Join(home, "state", "inbox") {
		t.Errorf("inbox should default under state dir, got %s", cfg.InboxDir)
	}
	if cfg.ApprovalStore != ApprovalStoreSQLite {
		t.Errorf("expected sqlite store, got %s", cfg.ApprovalStore)
	}
	if cfg.Exec.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", cfg.Exec.Timeout)
	}
	if cfg.Exec.StdoutTailBytes != 100 {
		t.Errorf("expected stdout tail 100, got %d", cfg.Exec.StdoutTailBytes)
	}
	if cfg.Exec.StderrTailBytes != 4000 {
		t.Errorf("unset stderr tail should default to 4000, got %d", cfg.Exec.StderrTailBytes)
	}
	if got := cfg.Actions["email.send"].Timeout; got != 30*time.Second {
		t.Errorf("expected action timeout 30s, got %s", got)
	}
	if len(cfg.Notify.Command) != 1 {
		t.Errorf("expected notify command, got %v", cfg.Notify.Command)
	}
}

func TestValidate_RejectsUnknownStore(t *testing.T) {
	cfg := &Config{ApprovalStore: "redis"}
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate_RejectsActionWithoutCommand(t *testing.T) {
	cfg := &Config{
		ApprovalStore: ApprovalStoreFile,
		Actions:       map[string]ActionConfig{"email.send": {}},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
