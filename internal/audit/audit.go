// Package audit writes the append-only decision trail: one JSON object per
// line, one line per terminal response.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gzhole/guardbridge/internal/redact"
)

// Event values mirror the terminal response statuses.
const (
	EventRejected = "rejected"
	EventPending  = "pending_approval"
	EventOK       = "ok"
	EventError    = "error"
)

type Event struct {
	Ts          string `json:"ts"`
	Event       string `json:"event"`
	RequestID   string `json:"requestId"`
	RequestedBy string `json:"requestedBy"`
	MatchedRule string `json:"matchedRule"`
	Reason      string `json:"reason,omitempty"`
	Action      string `json:"action,omitempty"`
	Command     string `json:"command,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Recorder persists audit events. Record must not return until the event
// is durable enough to survive the process exiting.
type Recorder interface {
	Record(e Event) error
}

// Log appends to a JSONL file. The file is opened O_APPEND and never
// truncated or rewritten.
type Log struct {
	file *os.File
	mu   sync.Mutex
}

func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	// #nosec G304 -- audit path comes from guard config.
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &Log{file: file}, nil
}

func (l *Log) Record(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Command = redact.Redact(e.Command)
	e.Reason = redact.Redact(e.Reason)
	if e.Error != "" {
		e.Error = redact.Redact(e.Error)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	// One Write call per line keeps concurrent appenders from interleaving.
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return l.file.Sync()
}

func (l *Log) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
