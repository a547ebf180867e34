package cli

import (
	"fmt"

	"github.com/gzhole/guardbridge/internal/action"
	"github.com/gzhole/guardbridge/internal/approval"
	"github.com/gzhole/guardbridge/internal/audit"
	"github.com/gzhole/guardbridge/internal/config"
	"github.com/gzhole/guardbridge/internal/mediator"
	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/gzhole/guardbridge/internal/runner"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func policyProvider(cfg *config.Config) *policy.FileProvider {
	return &policy.FileProvider{
		ActionPath:  cfg.ActionPolicyPath,
		CommandPath: cfg.CommandPolicyPath,
		PacksDir:    cfg.PolicyPacksDir,
	}
}

// guard is everything one mediating process holds open.
type guard struct {
	cfg      *config.Config
	store    approval.Store
	audit    *audit.Log
	registry *action.Registry
	mediator *mediator.Mediator
}

// openGuard seeds missing policy files and wires the mediator from cfg.
func openGuard(cfg *config.Config, workDir string, log *zap.Logger) (*guard, error) {
	created, err := policy.EnsureDefaults(cfg.ActionPolicyPath, cfg.CommandPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to seed policy files: %w", err)
	}
	for _, path := range created {
		log.Info("seeded default policy", zap.String("path", path))
	}

	store, err := approval.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	notifier := approval.Multi{&approval.LogNotifier{Logger: log}}
	if len(cfg.Notify.Command) > 0 {
		notifier = append(notifier, &approval.CommandNotifier{Argv: cfg.Notify.Command})
	}

	provider := policyProvider(cfg)
	registry := action.FromConfig(cfg.Actions, provider, cfg.CommandPolicyPath, log)

	opts := []mediator.Option{mediator.WithLogger(log)}
	if workDir != "" {
		opts = append(opts, mediator.WithWorkDir(workDir))
	}
	m := mediator.New(provider, store, notifier, auditLog,
		runner.New(cfg.Exec, log), registry, opts...)

	return &guard{cfg: cfg, store: store, audit: auditLog, registry: registry, mediator: m}, nil
}

// handler is the single serialized entry point every transport shares.
func (g *guard) handler() mediator.Handler {
	return mediator.Serialize(g.mediator)
}

func (g *guard) Close() error {
	aerr := g.audit.Close()
	serr := g.store.Close()
	if aerr != nil {
		return aerr
	}
	return serr
}
