package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gzhole/guardbridge/internal/approval"
	"github.com/gzhole/guardbridge/internal/audit"
	"github.com/gzhole/guardbridge/internal/policy"
	"github.com/gzhole/guardbridge/internal/runner"
	"github.com/gzhole/guardbridge/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPolicies struct {
	actions  policy.ActionPolicy
	commands *policy.CommandPolicy
	err      error
}

func (p *staticPolicies) ActionPolicy() (policy.ActionPolicy, error) {
	return p.actions, p.err
}

func (p *staticPolicies) CommandPolicy() (*policy.CommandPolicy, error) {
	return p.commands, p.err
}

type memStore struct {
	mu      sync.Mutex
	pending map[string]approval.Pending
	err     error
}

func newMemStore() *memStore {
	return &memStore{pending: map[string]approval.Pending{}}
}

func (s *memStore) Add(p approval.Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.pending[p.RequestID]; ok {
		return approval.ErrDuplicate
	}
	s.pending[p.RequestID] = p
	return nil
}

func (s *memStore) Get(id string) (approval.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return approval.Pending{}, approval.ErrNotFound
	}
	return p, nil
}

func (s *memStore) List() ([]approval.Pending, error) { return nil, nil }
func (s *memStore) Remove(string) error              { return nil }
func (s *memStore) Close() error                     { return nil }

type recordingNotifier struct {
	calls []string
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, requestID, summary string) error {
	n.calls = append(n.calls, requestID+"|"+summary)
	return n.err
}

type memRecorder struct {
	events []audit.Event
	err    error
}

func (r *memRecorder) Record(e audit.Event) error {
	r.events = append(r.events, e)
	return r.err
}

type fakeRunner struct {
	chains  []segment.Chain
	outcome runner.Outcome
}

func (f *fakeRunner) Run(_ context.Context, chain segment.Chain, _ runner.ChainState) runner.Outcome {
	f.chains = append(f.chains, chain)
	return f.outcome
}

type fakeActions struct {
	calls []string
	code  int
	out   json.RawMessage
}

func (f *fakeActions) Execute(_ context.Context, name string, args json.RawMessage) (int, json.RawMessage) {
	f.calls = append(f.calls, name+" "+string(args))
	return f.code, f.out
}

type fixture struct {
	policies *staticPolicies
	store    *memStore
	notifier *recordingNotifier
	recorder *memRecorder
	runner   *fakeRunner
	actions  *fakeActions
	m        *Mediator
}

var fixedNow = time.Date(2026, 3, 1, 12, 30, 45, 987654321, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		policies: &staticPolicies{
			actions:  policy.DefaultActionPolicy(),
			commands: policy.DefaultCommandPolicy(),
		},
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		recorder: &memRecorder{},
		runner:   &fakeRunner{outcome: runner.Outcome{OK: true, FinalCwd: "/work"}},
		actions:  &fakeActions{out: json.RawMessage(`{"ok":true}`)},
	}
	f.m = New(f.policies, f.store, f.notifier, f.recorder, f.runner, f.actions,
		WithClock(func() time.Time { return fixedNow }))
	return f
}

func (f *fixture) handle(req Request) Response {
	return f.m.Handle(context.Background(), req)
}

func TestHandle_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"missing id", Request{Reason: "r", Command: "ls"}, ErrMissingIDOrReason},
		{"blank reason", Request{RequestID: "a", Reason: "  ", Command: "ls"}, ErrMissingIDOrReason},
		{"neither", Request{RequestID: "a", Reason: "r"}, ErrMissingTarget},
		{"both", Request{RequestID: "a", Reason: "r", Action: "catalog", Command: "ls"}, ErrAmbiguous},
		{"args array", Request{RequestID: "a", Reason: "r", Action: "catalog", Args: json.RawMessage(`[1]`)}, ErrInvalidArgs},
		{"args string", Request{RequestID: "a", Reason: "r", Action: "catalog", Args: json.RawMessage(`"x"`)}, ErrInvalidArgs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			resp := f.handle(tt.req)

			assert.Equal(t, StatusRejected, resp.Status)
			assert.Equal(t, tt.code, resp.Error)
			assert.Empty(t, f.runner.chains)
			assert.Empty(t, f.actions.calls)
			require.Len(t, f.recorder.events, 1)
			assert.Equal(t, tt.code, f.recorder.events[0].Error)
		})
	}
}

func TestHandle_MissingIDReportsUnknown(t *testing.T) {
	f := newFixture()
	resp := f.handle(Request{})

	assert.Equal(t, "unknown", resp.RequestID)
	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, "unknown", f.recorder.events[0].RequestID)
	assert.Equal(t, "unknown", f.recorder.events[0].RequestedBy)
}

func TestHandle_ValidationRejectionKeepsMatchedRuleKey(t *testing.T) {
	f := newFixture()
	resp := f.handle(Request{RequestID: "a", Reason: "r"})

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "matchedRule")
	assert.Equal(t, "", wire["matchedRule"])
}

func TestHandle_NullArgsAccepted(t *testing.T) {
	f := newFixture()
	resp := f.handle(Request{RequestID: "a", Reason: "r", Action: "catalog", Args: json.RawMessage("null")})

	assert.Equal(t, StatusOK, resp.Status)
	require.Len(t, f.actions.calls, 1)
	assert.Equal(t, "catalog {}", f.actions.calls[0])
}

func TestHandle_ApprovedAction(t *testing.T) {
	f := newFixture()
	resp := f.handle(Request{
		RequestID:   "req-1",
		RequestedBy: "worker",
		Reason:      "list mail",
		Action:      "email.list",
		Args:        json.RawMessage(`{"folder":"inbox"}`),
	})

	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "action:email.list", resp.MatchedRule)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
	assert.Equal(t, "2026-03-01T12:30:45Z", resp.CompletedAt)
	assert.Equal(t, []string{`email.list {"folder":"inbox"}`}, f.actions.calls)

	require.Len(t, f.recorder.events, 1)
	ev := f.recorder.events[0]
	assert.Equal(t, audit.EventOK, ev.Event)
	assert.Equal(t, "worker", ev.RequestedBy)
	assert.Equal(t, "email.list", ev.Action)
	assert.Equal(t, resp.CompletedAt, ev.Ts)
}

func TestHandle_ActionFailureIsError(t *testing.T) {
	f := newFixture()
	f.actions.code = 3
	f.actions.out = json.RawMessage(`{"ok":false,"raw":"boom"}`)

	resp := f.handle(Request{RequestID: "a", Reason: "r", Action: "catalog"})
	assert.Equal(t, StatusError, resp.Status)
	assert.JSONEq(t, `{"ok":false,"raw":"boom"}`, string(resp.Result))
}

func TestHandle_UnknownActionRejected(t *testing.T) {
	f := newFixture()
	resp := f.handle(Request{RequestID: "a", Reason: "r", Action: "shell.exec"})

	assert.Equal(t, StatusRejected, resp.Status)
	assert.Equal(t, ErrPolicyRejected, resp.Error)
	assert.Equal(t, "action:shell.exec", resp.MatchedRule)
	assert.Empty(t, f.actions.calls)
}

func TestHandle_AskActionParksRequest(t *testing.T) {
	f := newFixture()
	req := Request{RequestID: "mail-7", RequestedBy: "worker", Reason: "reply", Action: "email.send", Args: json.RawMessage(`{"to":"a@b"}`)}
	resp := f.handle(req)

	assert.Equal(t, StatusPending, resp.Status)
	assert.Equal(t, PendingMessage, resp.Message)
	assert.Empty(t, f.actions.calls)

	p, err := f.store.Get("mail-7")
	require.NoError(t, err)
	assert.Equal(t, approval.StatePending, p.State)
	assert.Equal(t, "action:email.send", p.MatchedRule)
	assert.True(t, p.CreatedAt.Equal(fixedNow))

	var stored Request
	require.NoError(t, json.Unmarshal(p.Request, &stored))
	assert.Equal(t, req.Action, stored.Action)
	assert.JSONEq(t, `{"to":"a@b"}`, string(stored.Args))

	require.Len(t, f.notifier.calls, 1)
	assert.Contains(t, f.notifier.calls[0], "mail-7|action email.send")
	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, audit.EventPending, f.recorder.events[0].Event)
}

func TestHandle_NotifyFailureStillPending(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("notifier down")

	resp := f.handle(Request{RequestID: "a", Reason: "r", Action: "email.send"})
	assert.Equal(t, StatusPending, resp.Status)
	assert.Len(t, f.recorder.events, 1)
}

func TestHandle_DuplicatePendingRejected(t *testing.T) {
	f := newFixture()
	req := Request{RequestID: "dup", Reason: "r", Command: "curl example.com"}

	first := f.handle(req)
	second := f.handle(req)

	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, StatusRejected, second.Status)
	assert.Equal(t, ErrDuplicateID, second.Error)
	assert.Len(t, f.notifier.calls, 1)
	assert.Len(t, f.recorder.events, 2)
}

func TestHandle_StoreFailureIsError(t *testing.T) {
	f := newFixture()
	f.store.err = errors.New("disk full")

	resp := f.handle(Request{RequestID: "a", Reason: "r", Action: "email.send"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrStoreUnavailable, resp.Error)
	assert.Empty(t, f.notifier.calls)
}

func TestHandle_PolicyLoadFailureRejects(t *testing.T) {
	f := newFixture()
	f.policies.err = errors.New("bad json")

	for _, req := range []Request{
		{RequestID: "a", Reason: "r", Action: "catalog"},
		{RequestID: "b", Reason: "r", Command: "ls"},
	} {
		resp := f.handle(req)
		assert.Equal(t, StatusRejected, resp.Status)
		assert.Equal(t, ErrPolicyUnavailable, resp.Error)
	}
	assert.Empty(t, f.runner.chains)
	assert.Empty(t, f.actions.calls)
}

func TestHandle_ApprovedCommandRuns(t *testing.T) {
	f := newFixture()
	exit := 0
	f.runner.outcome = runner.Outcome{
		OK:       true,
		Results:  []runner.Result{{OK: true, Segment: "ls -la", ExitCode: &exit, Stdout: "a\n"}, {OK: true, Segment: "pwd", ExitCode: &exit}},
		FinalCwd: "/work",
	}

	resp := f.handle(Request{RequestID: "c1", Reason: "look", Command: "ls -la && pwd"})

	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "command:safe-readonly", resp.MatchedRule)
	require.Len(t, f.runner.chains, 1)
	assert.Equal(t, []string{"ls -la", "pwd"}, f.runner.chains[0].Texts())
	assert.Equal(t, []segment.Operator{segment.OpAnd}, f.runner.chains[0].Operators)

	var result CommandResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.OK)
	assert.Equal(t, policy.DecisionApproved, result.Decision)
	assert.Equal(t, "/work", result.FinalCwd)
	assert.Len(t, result.Results, 2)
	assert.Equal(t, policy.DecisionApproved, result.Analysis.Decision)

	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, "ls -la && pwd", f.recorder.events[0].Command)
}

func TestHandle_FailedChainIsError(t *testing.T) {
	f := newFixture()
	f.runner.outcome = runner.Outcome{OK: false, FinalCwd: "/"}

	resp := f.handle(Request{RequestID: "c1", Reason: "r", Command: "ls /missing"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, audit.EventError, f.recorder.events[0].Event)
}

func TestHandle_RejectedCommandNeverRuns(t *testing.T) {
	tests := []struct {
		command string
		code    string
	}{
		{"ls && rm -rf /", ErrPolicyRejected},
		{"bash -c ls", ErrPolicyRejected},
		{"ls | sh", ErrAnalysisFailed},
		{"echo $(whoami)", ErrAnalysisFailed},
		{"ls\u200B", ErrPolicyRejected},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			f := newFixture()
			resp := f.handle(Request{RequestID: "x", Reason: "r", Command: tt.command})

			assert.Equal(t, StatusRejected, resp.Status)
			assert.Equal(t, tt.code, resp.Error)
			assert.Empty(t, f.runner.chains)
			assert.Empty(t, f.store.pending)
			assert.NotEmpty(t, resp.Result)
			assert.Len(t, f.recorder.events, 1)
		})
	}
}

func TestHandle_UnmatchedCommandAsks(t *testing.T) {
	f := newFixture()
	resp := f.handle(Request{RequestID: "n1", Reason: "fetch", Command: "curl https://example.com"})

	assert.Equal(t, StatusPending, resp.Status)
	assert.Equal(t, "command:no_match", resp.MatchedRule)
	assert.Empty(t, f.runner.chains)

	var analysis policy.Analysis
	require.NoError(t, json.Unmarshal(resp.Result, &analysis))
	assert.Equal(t, policy.DecisionAsk, analysis.Decision)
}

func TestHandle_NotifySummaryDescribesFootprint(t *testing.T) {
	f := newFixture()
	f.m = New(f.policies, f.store, f.notifier, f.recorder, f.runner, f.actions, WithWorkDir("/srv/app"))
	f.handle(Request{RequestID: "fp", RequestedBy: "worker", Reason: "fetch", Command: "curl -o ./page.html https://example.com/"})

	require.Len(t, f.notifier.calls, 1)
	assert.Contains(t, f.notifier.calls[0], "requested by worker: fetch")
	assert.Contains(t, f.notifier.calls[0], "runs curl; hosts example.com; paths /srv/app/page.html")
}

func TestHandle_NotifySummaryRedacted(t *testing.T) {
	f := newFixture()
	f.handle(Request{RequestID: "s1", Reason: "r", Command: "npm install --session abcdefghijklmnopqrstuvwxyz0123"})

	require.Len(t, f.notifier.calls, 1)
	assert.NotContains(t, f.notifier.calls[0], "abcdefghijklmnopqrstuvwxyz0123")
}

func TestHandle_AuditFailureKeepsResponse(t *testing.T) {
	f := newFixture()
	f.recorder.err = errors.New("read-only fs")

	resp := f.handle(Request{RequestID: "a", Reason: "r", Command: "pwd"})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Len(t, f.runner.chains, 1)
}

func TestSerialize_OneAtATime(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	h := Serialize(HandlerFunc(func(_ context.Context, req Request) Response {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return Response{RequestID: req.RequestID}
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Handle(context.Background(), Request{RequestID: "x"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"requestId":"a","reason":"r","command":"ls","args":{"k":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "a", req.RequestID)
	assert.JSONEq(t, `{"k":1}`, string(req.Args))

	for _, body := range []string{`not json`, `[1,2]`, `{"requestId":5}`} {
		req, err := DecodeRequest([]byte(body))
		assert.Error(t, err, body)
		assert.Equal(t, Request{}, req)
	}
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	got := FormatTime(time.Date(2026, 1, 2, 5, 4, 5, 999, loc))
	assert.Equal(t, "2026-01-02T03:04:05Z", got)
}
