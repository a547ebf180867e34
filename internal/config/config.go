package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir         = ".guardbridge"
	DefaultConfigFile        = "config.yaml"
	DefaultActionPolicyFile  = "policy.json"
	DefaultCommandPolicyFile = "command-policy.json"
	DefaultPendingFile       = "pending.json"
	DefaultSQLiteFile        = "pending.db"
	DefaultAuditFile         = "audit/bridge-audit.jsonl"
	DefaultSocketFile        = "bridge.sock"
	DefaultPacksDir          = "packs"

	ApprovalStoreFile   = "file"
	ApprovalStoreSQLite = "sqlite"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	StateDir          string                  `yaml:"state_dir"`
	InboxDir          string                  `yaml:"inbox_dir"`
	OutboxDir         string                  `yaml:"outbox_dir"`
	AuditPath         string                  `yaml:"audit_path"`
	ActionPolicyPath  string                  `yaml:"action_policy_path"`
	CommandPolicyPath string                  `yaml:"command_policy_path"`
	PolicyPacksDir    string                  `yaml:"policy_packs_dir"`
	PendingPath       string                  `yaml:"pending_path"`
	SocketPath        string                  `yaml:"socket_path"`
	ApprovalStore     string                  `yaml:"approval_store"`
	SQLitePath        string                  `yaml:"sqlite_path"`
	Exec              ExecConfig              `yaml:"exec"`
	Socket            SocketConfig            `yaml:"socket"`
	Queue             QueueConfig             `yaml:"queue"`
	Notify            NotifyConfig            `yaml:"notify"`
	Actions           map[string]ActionConfig `yaml:"actions"`
}

// ExecConfig bounds every subprocess the guard starts on behalf of a worker.
type ExecConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	StdoutTailBytes int           `yaml:"stdout_tail_bytes"`
	StderrTailBytes int           `yaml:"stderr_tail_bytes"`
}

type SocketConfig struct {
	AcceptTimeout   time.Duration `yaml:"accept_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	MaxRequestBytes int           `yaml:"max_request_bytes"`
}

type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// NotifyConfig names an external program invoked as
// `<command...> <requestId> <summary>` whenever a request is queued for approval.
type NotifyConfig struct {
	Command []string `yaml:"command"`
}

// ActionConfig maps a named action to the external handler that implements it.
type ActionConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Timeout:         120 * time.Second,
		StdoutTailBytes: 6000,
		StderrTailBytes: 4000,
	}
}

func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		AcceptTimeout:   300 * time.Second,
		ReadTimeout:     120 * time.Second,
		MaxRequestBytes: 64 * 1024,
	}
}

// Load reads the YAML config at path (or ~/.guardbridge/config.yaml when path
// is empty), fills defaults, and makes sure the state directories exist.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = filepath.Join(homeDir, DefaultConfigDir, DefaultConfigFile)
	}

	cfg := &Config{}

	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	cfg.applyDefaults(homeDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.StateDir, cfg.InboxDir, cfg.OutboxDir, filepath.Dir(cfg.AuditPath)} {
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults(homeDir string) {
	if c.StateDir == "" {
		c.StateDir = filepath.Join(homeDir, DefaultConfigDir)
	}
	c.StateDir = expandHome(c.StateDir, homeDir)

	defaultPath := func(p *string, rel string) {
		if *p == "" {
			*p = filepath.Join(c.StateDir, rel)
		}
		*p = expandHome(*p, homeDir)
	}
	defaultPath(&c.InboxDir, "inbox")
	defaultPath(&c.OutboxDir, "outbox")
	defaultPath(&c.AuditPath, DefaultAuditFile)
	defaultPath(&c.ActionPolicyPath, DefaultActionPolicyFile)
	defaultPath(&c.CommandPolicyPath, DefaultCommandPolicyFile)
	defaultPath(&c.PolicyPacksDir, DefaultPacksDir)
	defaultPath(&c.PendingPath, DefaultPendingFile)
	defaultPath(&c.SQLitePath, DefaultSQLiteFile)
	defaultPath(&c.SocketPath, DefaultSocketFile)

	if c.ApprovalStore == "" {
		c.ApprovalStore = ApprovalStoreFile
	}

	execDefaults := DefaultExecConfig()
	if c.Exec.Timeout == 0 {
		c.Exec.Timeout = execDefaults.Timeout
	}
	if c.Exec.StdoutTailBytes == 0 {
		c.Exec.StdoutTailBytes = execDefaults.StdoutTailBytes
	}
	if c.Exec.StderrTailBytes == 0 {
		c.Exec.StderrTailBytes = execDefaults.StderrTailBytes
	}

	sockDefaults := DefaultSocketConfig()
	if c.Socket.AcceptTimeout == 0 {
		c.Socket.AcceptTimeout = sockDefaults.AcceptTimeout
	}
	if c.Socket.ReadTimeout == 0 {
		c.Socket.ReadTimeout = sockDefaults.ReadTimeout
	}
	if c.Socket.MaxRequestBytes == 0 {
		c.Socket.MaxRequestBytes = sockDefaults.MaxRequestBytes
	}

	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 2 * time.Second
	}
}

func (c *Config) Validate() error {
	switch c.ApprovalStore {
	case ApprovalStoreFile, ApprovalStoreSQLite:
	default:
		return fmt.Errorf("%w: approval_store must be %q or %q, got %q",
			ErrInvalid, ApprovalStoreFile, ApprovalStoreSQLite, c.ApprovalStore)
	}
	if c.Exec.Timeout < 0 || c.Exec.StdoutTailBytes < 0 || c.Exec.StderrTailBytes < 0 {
		return fmt.Errorf("%w: exec limits must be positive", ErrInvalid)
	}
	if c.Socket.AcceptTimeout < 0 || c.Socket.ReadTimeout < 0 || c.Socket.MaxRequestBytes < 0 {
		return fmt.Errorf("%w: socket limits must be positive", ErrInvalid)
	}
	for name, action := range c.Actions {
		if len(action.Command) == 0 {
			return fmt.Errorf("%w: actions.%s.command is required", ErrInvalid, name)
		}
	}
	return nil
}

func expandHome(path, homeDir string) string {
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
