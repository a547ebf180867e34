// Package mediator is the transport-agnostic decision core: it validates a
// request, classifies it against a fresh policy snapshot, then rejects it,
// parks it for approval or executes it, and audits the outcome.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gzhole/guardbridge/internal/approval"
	"github.com/gzhole/guardbridge/internal/audit"
	"github.com/gzhole/guardbridge/internal/normalize"
	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/gzhole/guardbridge/internal/redact"
	"github.com/gzhole/guardbridge/internal/runner"
	"github.com/gzhole/guardbridge/internal/segment"
	"go.uber.org/zap"
)

// CommandRunner executes an approved chain.
type CommandRunner interface {
	Run(ctx context.Context, chain segment.Chain, state runner.ChainState) runner.Outcome
}

// ActionExecutor executes an approved action.
type ActionExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (int, json.RawMessage)
}

// CommandResult is the result payload of an executed command.
type CommandResult struct {
	OK       bool            `json:"ok"`
	Decision policy.Decision `json:"decision"`
	Analysis policy.Analysis `json:"analysis"`
	Results  []runner.Result `json:"results"`
	FinalCwd string          `json:"finalCwd"`
}

type Mediator struct {
	policies policy.Provider
	store    approval.Store
	notifier approval.Notifier
	recorder audit.Recorder
	runner   CommandRunner
	actions  ActionExecutor
	logger   *zap.Logger
	now      func() time.Time
	workDir  string
	homeDir  string
}

type Option func(*Mediator)

func WithLogger(l *zap.Logger) Option {
	return func(m *Mediator) { m.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Mediator) { m.now = now }
}

// WithWorkDir sets the directory every command chain starts in. The
// default is the guard process's working directory.
func WithWorkDir(dir string) Option {
	return func(m *Mediator) { m.workDir = dir }
}

// New wires the mediator. notifier may be nil.
func New(policies policy.Provider, store approval.Store, notifier approval.Notifier,
	recorder audit.Recorder, run CommandRunner, actions ActionExecutor, opts ...Option) *Mediator {
	m := &Mediator{
		policies: policies,
		store:    store,
		notifier: notifier,
		recorder: recorder,
		runner:   run,
		actions:  actions,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	m.homeDir, _ = os.UserHomeDir()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// outcome is a terminal decision before it is stamped and audited.
type outcome struct {
	status  string
	matched string
	result  any
	errCode string
	message string
}

// Handle mediates one request. The audit event is written before the
// response is returned; an audit failure is logged and does not change the
// response, since an approved request may already have run.
func (m *Mediator) Handle(ctx context.Context, req Request) Response {
	out := m.decide(ctx, req)
	completed := FormatTime(m.now())

	resp := Response{
		RequestID:   req.RequestID,
		Status:      out.status,
		MatchedRule: out.matched,
		Error:       out.errCode,
		Message:     out.message,
		CompletedAt: completed,
	}
	if strings.TrimSpace(resp.RequestID) == "" {
		resp.RequestID = "unknown"
	}
	if out.result != nil {
		data, err := json.Marshal(out.result)
		if err != nil {
			m.logger.Error("encode result", zap.String("request_id", req.RequestID), zap.Error(err))
		} else {
			resp.Result = data
		}
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "unknown"
	}
	event := audit.Event{
		Ts:          completed,
		Event:       out.status,
		RequestID:   resp.RequestID,
		RequestedBy: requestedBy,
		MatchedRule: out.matched,
		Reason:      req.Reason,
		Action:      req.Action,
		Command:     req.Command,
		Error:       out.errCode,
	}
	if err := m.recorder.Record(event); err != nil {
		m.logger.Error("audit write failed",
			zap.String("request_id", resp.RequestID),
			zap.String("status", resp.Status),
			zap.Error(err))
	}

	m.logger.Info("request mediated",
		zap.String("request_id", resp.RequestID),
		zap.String("status", resp.Status),
		zap.String("matched_rule", resp.MatchedRule),
		zap.String("error", resp.Error))
	return resp
}

func rejected(code, matched string) outcome {
	return outcome{status: StatusRejected, errCode: code, matched: matched}
}

func (m *Mediator) decide(ctx context.Context, req Request) outcome {
	if strings.TrimSpace(req.RequestID) == "" || strings.TrimSpace(req.Reason) == "" {
		return rejected(ErrMissingIDOrReason, "")
	}
	if !argsValid(req.Args) {
		return rejected(ErrInvalidArgs, "")
	}

	action := strings.TrimSpace(req.Action)
	command := strings.TrimSpace(req.Command)
	switch {
	case action == "" && command == "":
		return rejected(ErrMissingTarget, "")
	case action != "" && command != "":
		return rejected(ErrAmbiguous, "")
	case action != "":
		return m.decideAction(ctx, req, action)
	default:
		return m.decideCommand(ctx, req, command)
	}
}

func (m *Mediator) decideAction(ctx context.Context, req Request, action string) outcome {
	matched := policy.ActionRuleLabel(action)

	ap, err := m.policies.ActionPolicy()
	if err != nil {
		m.logger.Error("load action policy", zap.Error(err))
		return rejected(ErrPolicyUnavailable, matched)
	}

	switch ap.Decide(action) {
	case policy.DecisionApproved:
		args := req.Args
		if isNull(args) {
			args = json.RawMessage("{}")
		}
		code, payload := m.actions.Execute(ctx, action, args)
		status := StatusOK
		if code != 0 {
			status = StatusError
		}
		return outcome{status: status, matched: matched, result: payload}
	case policy.DecisionAsk:
		summary := fmt.Sprintf("action %s requested by %s: %s", action, orUnknown(req.RequestedBy), req.Reason)
		return m.park(ctx, req, matched, summary)
	default:
		return rejected(ErrPolicyRejected, matched)
	}
}

func (m *Mediator) decideCommand(ctx context.Context, req Request, command string) outcome {
	cp, err := m.policies.CommandPolicy()
	if err != nil {
		m.logger.Error("load command policy", zap.Error(err))
		return rejected(ErrPolicyUnavailable, "")
	}

	analysis := policy.NewEngine(cp).Analyze(command)
	if !analysis.OK {
		out := rejected(ErrAnalysisFailed, "")
		out.result = analysis
		return out
	}
	matched := analysis.MatchedRuleLabel()

	switch analysis.Decision {
	case policy.DecisionApproved:
		run := m.runner.Run(ctx, analysis.Chain(), runner.ChainState{Cwd: m.workDir})
		status := StatusOK
		if !run.OK {
			status = StatusError
		}
		return outcome{
			status:  status,
			matched: matched,
			result: CommandResult{
				OK:       run.OK,
				Decision: policy.DecisionApproved,
				Analysis: analysis,
				Results:  run.Results,
				FinalCwd: run.FinalCwd,
			},
		}
	case policy.DecisionAsk:
		fp := normalize.Chain(analysis.Chain(), m.workDir, m.homeDir)
		summary := fmt.Sprintf("command %q requested by %s: %s [%s]", command, orUnknown(req.RequestedBy), req.Reason, fp)
		out := m.park(ctx, req, matched, summary)
		if out.status == StatusPending {
			out.result = analysis
		}
		return out
	default:
		out := rejected(ErrPolicyRejected, matched)
		out.result = analysis
		return out
	}
}

// park records req as pending and notifies. Notification failures are
// logged only.
func (m *Mediator) park(ctx context.Context, req Request, matched, summary string) outcome {
	raw, err := json.Marshal(req)
	if err != nil {
		return outcome{status: StatusError, matched: matched, errCode: ErrStoreUnavailable}
	}

	err = m.store.Add(approval.Pending{
		RequestID:   req.RequestID,
		Request:     raw,
		CreatedAt:   m.now().UTC(),
		State:       approval.StatePending,
		MatchedRule: matched,
	})
	switch {
	case errors.Is(err, approval.ErrDuplicate):
		return rejected(ErrDuplicateID, matched)
	case err != nil:
		m.logger.Error("approval store write failed", zap.String("request_id", req.RequestID), zap.Error(err))
		return outcome{status: StatusError, matched: matched, errCode: ErrStoreUnavailable}
	}

	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, req.RequestID, redact.Redact(summary)); err != nil {
			m.logger.Warn("approval notification failed", zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}
	return outcome{status: StatusPending, matched: matched, message: PendingMessage}
}

// argsValid accepts an absent or null args field, or a JSON object.
func argsValid(args json.RawMessage) bool {
	if isNull(args) {
		return true
	}
	trimmed := bytes.TrimSpace(args)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func isNull(args json.RawMessage) bool {
	trimmed := bytes.TrimSpace(args)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
