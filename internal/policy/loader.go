package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider hands out a fresh policy snapshot on every call. Implementations
// must not cache across calls: an operator editing the policy files expects
// the next request to see the edit.
type Provider interface {
	ActionPolicy() (ActionPolicy, error)
	CommandPolicy() (*CommandPolicy, error)
}

// ErrBrokenPack is returned by FileProvider when an enabled rule pack fails
// to parse.
var ErrBrokenPack = errors.New("enabled rule pack is unreadable")

// FileProvider reads the action map and command rules from disk, merging any
// enabled rule packs after the base rules.
type FileProvider struct {
	ActionPath  string
	CommandPath string
	PacksDir    string
}

func (p *FileProvider) ActionPolicy() (ActionPolicy, error) {
	return LoadActionPolicy(p.ActionPath)
}

func (p *FileProvider) CommandPolicy() (*CommandPolicy, error) {
	base, err := LoadCommandPolicy(p.CommandPath)
	if err != nil {
		return nil, err
	}
	if p.PacksDir == "" {
		return base, nil
	}
	merged, infos, err := LoadPacks(p.PacksDir, base)
	if err != nil {
		return nil, err
	}
	// An enabled pack that cannot be read would silently drop its rules.
	for _, info := range infos {
		if info.Enabled && info.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrBrokenPack, info.Error)
		}
	}
	return merged, nil
}

// LoadActionPolicy reads the action map. A missing file yields an empty map,
// which rejects every action.
func LoadActionPolicy(path string) (ActionPolicy, error) {
	policy := ActionPolicy{}
	found, err := decodeFile(path, &policy)
	if err != nil {
		return nil, err
	}
	if !found {
		return ActionPolicy{}, nil
	}
	return policy, nil
}

// LoadCommandPolicy reads the command rules. A missing file yields no rules,
// which sends every segment to ask.
func LoadCommandPolicy(path string) (*CommandPolicy, error) {
	var policy CommandPolicy
	if _, err := decodeFile(path, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

func decodeFile(path string, v any) (bool, error) {
	// #nosec G304 -- path comes from guard config.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return true, nil
	}
	if isYAMLFile(path) {
		err = yaml.Unmarshal(data, v)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func DefaultActionPolicy() ActionPolicy {
	return ActionPolicy{
		"catalog":     DecisionApproved,
		"email.list":  DecisionApproved,
		"email.read":  DecisionApproved,
		"email.draft": DecisionAsk,
		"email.send":  DecisionAsk,
	}
}

func DefaultCommandPolicy() *CommandPolicy {
	return &CommandPolicy{
		Rules: []Rule{
			{
				ID:          "bw-status",
				Pattern:     `^bw-with-session\s+status\b`,
				Decision:    DecisionApproved,
				Description: "Vault session status.",
			},
			{
				ID:          "bw-list-items",
				Pattern:     `^bw-with-session\s+list\s+items\b`,
				Decision:    DecisionApproved,
				Description: "List vault items.",
			},
			{
				ID:          "bw-get-item",
				Pattern:     `^bw-with-session\s+get\s+item\b`,
				Decision:    DecisionApproved,
				Description: "Read one vault item.",
			},
			{
				ID:          "bw-get-password",
				Pattern:     `^bw-with-session\s+get\s+password\b`,
				Decision:    DecisionApproved,
				Description: "Read one vault password.",
			},
			{
				ID:          "safe-readonly",
				Pattern:     `^(ls|pwd|whoami|date|echo|true|false)(\s|$)`,
				Decision:    DecisionApproved,
				Description: "Read-only / low-risk command.",
			},
			{
				ID:          "git-readonly",
				Pattern:     `^git\s+(status|diff|log|show)\b`,
				Decision:    DecisionApproved,
				Description: "Read-only git inspection.",
			},
			{
				ID:          "cd",
				Pattern:     `^cd(\s|$)`,
				Decision:    DecisionApproved,
				Description: "Working-directory change inside the chain.",
			},
			{
				ID:          "package-installs",
				Pattern:     `^(npm|pnpm|yarn|pip3?|brew)\s+(install|add)\b`,
				Decision:    DecisionAsk,
				Description: "Package installs can introduce supply-chain risk.",
			},
			{
				ID:          "dangerous",
				Pattern:     `(rm\s+-rf|mkfs|docker\s+system\s+prune)`,
				Decision:    DecisionRejected,
				Description: "Destructive command.",
			},
		},
	}
}

// EnsureDefaults writes the default action map and command rules to any of
// the two paths that does not exist yet. Existing files are never touched.
// It returns the paths it created.
func EnsureDefaults(actionPath, commandPath string) ([]string, error) {
	var created []string
	for _, f := range []struct {
		path string
		v    any
	}{
		{actionPath, DefaultActionPolicy()},
		{commandPath, DefaultCommandPolicy()},
	} {
		ok, err := writeIfAbsent(f.path, f.v)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, f.path)
		}
	}
	return created, nil
}

func writeIfAbsent(path string, v any) (bool, error) {
	var data []byte
	var err error
	if isYAMLFile(path) {
		data, err = yaml.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, err
	}
	// O_EXCL keeps a concurrent init from clobbering an operator's file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
