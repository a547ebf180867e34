package mediator

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Response statuses. They double as audit event names.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusRejected = "rejected"
	StatusPending  = "pending_approval"
)

// Error codes returned to the worker.
const (
	ErrMissingIDOrReason = "invalid_request_missing_id_or_reason"
	ErrInvalidArgs       = "invalid_args"
	ErrMissingTarget     = "missing_command_or_action"
	ErrAmbiguous         = "invalid_request_ambiguous"
	ErrAnalysisFailed    = "command_analysis_failed"
	ErrPolicyRejected    = "policy_rejected"
	ErrPolicyUnavailable = "policy_unavailable"
	ErrDuplicateID       = "duplicate_request_id"
	ErrStoreUnavailable  = "approval_store_unavailable"

	PendingMessage = "Awaiting guard approval"
)

// Request is one worker request. Exactly one of Action and Command is set.
type Request struct {
	RequestID   string          `json:"requestId"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	Reason      string          `json:"reason"`
	Action      string          `json:"action,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Command     string          `json:"command,omitempty"`
}

type Response struct {
	RequestID   string          `json:"requestId"`
	Status      string          `json:"status"`
	MatchedRule string          `json:"matchedRule"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
	CompletedAt string          `json:"completedAt"`
}

// Handler turns a request into a response. Both transports call the same
// Handler so policy logic lives in exactly one place.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

type serialized struct {
	mu sync.Mutex
	h  Handler
}

// Serialize wraps h so at most one request is mediated at a time, even when
// several transports share it.
func Serialize(h Handler) Handler {
	return &serialized{h: h}
}

func (s *serialized) Handle(ctx context.Context, req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Handle(ctx, req)
}

// DecodeRequest parses one wire request. A body that is not a JSON object
// with the expected field types yields the zero Request and an error; the
// caller still hands the zero Request to a Handler so the failure is
// rejected and audited like any other invalid request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// FormatTime renders completedAt / ts: UTC, second precision, Z suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
