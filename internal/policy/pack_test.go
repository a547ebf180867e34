package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPacks_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	base := DefaultCommandPolicy()

	result, infos, err := LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("expected 0 pack infos, got %d", len(infos))
	}
	if len(result.Rules) != len(base.Rules) {
		t.Errorf("expected %d rules, got %d", len(base.Rules), len(result.Rules))
	}
}

func TestLoadPacks_NonExistentDir(t *testing.T) {
	base := DefaultCommandPolicy()
	result, _, err := LoadPacks("/nonexistent/path/packs", base)
	if err != nil {
		t.Fatalf("unexpected error for non-existent dir: %v", err)
	}
	if len(result.Rules) != len(base.Rules) {
		t.Errorf("expected base rules unchanged")
	}
}

func TestLoadPacks_MergesRules(t *testing.T) {
	dir := t.TempDir()
	base := DefaultCommandPolicy()
	baseRuleCount := len(base.Rules)

	packYAML := `
name: "Test Pack"
description: "A test pack"
version: "1.0.0"
author: "Test"
rules:
  - id: "test-reject-evil"
    pattern: "^evil-command\\b"
    decision: "rejected"
  - id: "test-ask-terraform"
    pattern: "^terraform\\s+apply\\b"
    decision: "ask"
`
	if err := os.WriteFile(filepath.Join(dir, "test-pack.yaml"), []byte(packYAML), 0644); err != nil {
		t.Fatal(err)
	}

	result, infos, err := LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(infos) != 1 {
		t.Fatalf("expected 1 pack info, got %d", len(infos))
	}
	if infos[0].Name != "Test Pack" {
		t.Errorf("expected pack name 'Test Pack', got %q", infos[0].Name)
	}
	if infos[0].RuleCount != 2 {
		t.Errorf("expected 2 rules in pack, got %d", infos[0].RuleCount)
	}
	if !infos[0].Enabled {
		t.Error("expected pack to be enabled")
	}

	expectedRules := baseRuleCount + 2
	if len(result.Rules) != expectedRules {
		t.Errorf("expected %d merged rules, got %d", expectedRules, len(result.Rules))
	}

	if got := NewEngine(result).Analyze("terraform apply").Decision; got != DecisionAsk {
		t.Errorf("pack rule should apply, got %s", got)
	}
}

func TestLoadPacks_DisabledPack(t *testing.T) {
	dir := t.TempDir()
	base := DefaultCommandPolicy()
	baseRuleCount := len(base.Rules)

	packJSON := `{"name": "Disabled Pack", "rules": [{"id": "disabled-rule", "pattern": "^ls", "decision": "rejected"}]}`
	// Prefix with underscore to disable
	if err := os.WriteFile(filepath.Join(dir, "_disabled-pack.json"), []byte(packJSON), 0644); err != nil {
		t.Fatal(err)
	}

	result, infos, err := LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(infos) != 1 {
		t.Fatalf("expected 1 pack info, got %d", len(infos))
	}
	if infos[0].Enabled {
		t.Error("expected pack to be disabled")
	}
	if len(result.Rules) != baseRuleCount {
		t.Errorf("disabled pack rules should not merge: expected %d, got %d", baseRuleCount, len(result.Rules))
	}
}

func TestLoadPacks_BrokenPackReported(t *testing.T) {
	dir := t.TempDir()
	base := DefaultCommandPolicy()

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, infos, err := LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("listing must still succeed with a broken pack: %v", err)
	}
	if len(infos) != 1 || infos[0].Error == "" || !infos[0].Enabled {
		t.Fatalf("expected enabled broken pack to be reported, got %+v", infos)
	}
}

func TestFileProvider_BrokenEnabledPackFailsClosed(t *testing.T) {
	dir := t.TempDir()
	prov := &FileProvider{
		CommandPath: filepath.Join(dir, "command-policy.json"),
		PacksDir:    filepath.Join(dir, "packs"),
	}
	if err := os.MkdirAll(prov.PacksDir, 0700); err != nil {
		t.Fatal(err)
	}
	base := `{"rules":[{"id":"ls","pattern":"^ls","decision":"approved"}]}`
	if err := os.WriteFile(prov.CommandPath, []byte(base), 0600); err != nil {
		t.Fatal(err)
	}
	// Trailing comma makes the pack invalid JSON.
	deny := `{"rules":[{"id":"no-etc","pattern":"/etc","decision":"rejected"},]}`
	if err := os.WriteFile(filepath.Join(prov.PacksDir, "deny.json"), []byte(deny), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := prov.CommandPolicy()
	if !errors.Is(err, ErrBrokenPack) {
		t.Fatalf("expected ErrBrokenPack, got policy %+v err %v", p, err)
	}

	// Disabling the broken pack restores the base policy.
	if err := os.Rename(filepath.Join(prov.PacksDir, "deny.json"), filepath.Join(prov.PacksDir, "_deny.json")); err != nil {
		t.Fatal(err)
	}
	p, err = prov.CommandPolicy()
	if err != nil {
		t.Fatalf("disabled broken pack should not block the policy: %v", err)
	}
	if got := NewEngine(p).Analyze("ls /etc").Decision; got != DecisionApproved {
		t.Errorf("expected base rule to approve, got %s", got)
	}
}

func TestLoadPacks_DoesNotMutateBase(t *testing.T) {
	dir := t.TempDir()
	base := DefaultCommandPolicy()
	baseRuleCount := len(base.Rules)

	packYAML := `
name: "Mutation Test"
rules:
  - id: "extra-rule"
    pattern: "^extra$"
    decision: "rejected"
`
	os.WriteFile(filepath.Join(dir, "mutation.yaml"), []byte(packYAML), 0644)

	LoadPacks(dir, base)

	if len(base.Rules) != baseRuleCount {
		t.Errorf("base rules were mutated: expected %d, got %d", baseRuleCount, len(base.Rules))
	}
}
