package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gzhole/guardbridge/internal/config"
)

// StatePending is the only state the guard itself ever writes.
const StatePending = "pending_approval"

var (
	// ErrDuplicate is returned by Add when the request id is already queued.
	ErrDuplicate = errors.New("request already pending")
	// ErrNotFound is returned when no pending record has the request id.
	ErrNotFound = errors.New("pending request not found")
)

// Pending is a request parked until a human decides on it. Request holds the
// request exactly as the worker sent it.
type Pending struct {
	RequestID   string          `json:"requestId"`
	Request     json.RawMessage `json:"request"`
	CreatedAt   time.Time       `json:"createdAt"`
	State       string          `json:"state"`
	MatchedRule string          `json:"matchedRule"`
}

// Store is the durable approval queue. Add never overwrites: a second Add
// for the same id fails with ErrDuplicate. Resolving a pending request is
// left to whoever reads the store; the guard only enqueues.
type Store interface {
	Add(p Pending) error
	Get(requestID string) (Pending, error)
	List() ([]Pending, error)
	Remove(requestID string) error
	Close() error
}

// Open returns the store selected by cfg.ApprovalStore.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.ApprovalStore {
	case config.ApprovalStoreSQLite:
		return OpenSQLiteStore(cfg.SQLitePath)
	case config.ApprovalStoreFile, "":
		return NewFileStore(cfg.PendingPath)
	default:
		return nil, fmt.Errorf("%w: unknown approval store %q", config.ErrInvalid, cfg.ApprovalStore)
	}
}
