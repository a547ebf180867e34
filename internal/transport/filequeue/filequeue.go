// Package filequeue is the spool-directory transport: workers drop request
// files into an inbox and collect responses from an outbox.
package filequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gzhole/guardbridge/internal/fsutil"
	"github.com/gzhole/guardbridge/internal/mediator"
	"go.uber.org/zap"
)

// Outcome is what one ProcessOne call did. The strings are what
// `guardbridge queue process` prints.
type Outcome string

const (
	// Processed means a request was decoded and mediated.
	Processed Outcome = "processed"
	// Ignored means the file was not a JSON request object. It is still
	// mediated as an empty request, so the rejection is audited.
	Ignored Outcome = "ignored"
	// NoRequests means the inbox held no *.json file.
	NoRequests Outcome = "no_requests"
)

// Queue binds an inbox and an outbox to a Handler. Workers should write a
// request elsewhere and rename it into Inbox; a half-written file is
// consumed as malformed.
type Queue struct {
	Inbox   string
	Outbox  string
	Handler mediator.Handler
	Logger  *zap.Logger
}

func (q *Queue) logger() *zap.Logger {
	if q.Logger == nil {
		return zap.NewNop()
	}
	return q.Logger
}

// ProcessOne handles the single oldest request file in the inbox. The file
// is deleted after the attempt whatever happens, so a poisoned request is
// never picked up twice.
func (q *Queue) ProcessOne(ctx context.Context) (Outcome, error) {
	path, err := oldest(q.Inbox)
	if err != nil {
		return "", err
	}
	if path == "" {
		return NoRequests, nil
	}

	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			q.logger().Warn("remove inbox file", zap.String("path", path), zap.Error(err))
		}
	}()

	outcome := Processed
	// #nosec G304 -- path comes from listing the configured inbox.
	data, err := os.ReadFile(path)
	var req mediator.Request
	if err == nil {
		req, err = mediator.DecodeRequest(data)
	}
	if err != nil {
		q.logger().Warn("undecodable request file", zap.String("path", path), zap.Error(err))
		outcome = Ignored
		req = mediator.Request{}
	}

	// A request that has been picked up is mediated to the end even if the
	// watcher is stopping.
	resp := q.Handler.Handle(context.WithoutCancel(ctx), req)

	if strings.TrimSpace(req.RequestID) == "" {
		q.logger().Warn("request without id, no response written", zap.String("path", path), zap.String("status", resp.Status))
		return outcome, nil
	}
	if err := q.writeResponse(req.RequestID, resp); err != nil {
		// The decision is already audited; the worker sees a timeout.
		q.logger().Warn("write response", zap.String("request_id", req.RequestID), zap.Error(err))
	}
	return outcome, nil
}

// Drain processes requests until the inbox is empty or ctx is done.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		outcome, err := q.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if outcome == NoRequests {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

func (q *Queue) writeResponse(requestID string, resp mediator.Response) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')
	path := filepath.Join(q.Outbox, ResponseFileName(requestID))
	return fsutil.WriteFileAtomic(path, data, 0600)
}

// ResponseFileName maps a request id to a file name that stays inside the
// outbox.
func ResponseFileName(requestID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == 0:
			return '_'
		case r < 0x20 || r == 0x7F:
			return '_'
		}
		return r
	}, requestID)
	dots := len(name) - len(strings.TrimLeft(name, "."))
	name = strings.Repeat("_", dots) + name[dots:]
	if name == "" {
		name = "_"
	}
	return name + ".json"
}

type inboxEntry struct {
	path    string
	modTime time.Time
}

// oldest returns the *.json file in dir with the earliest modification
// time, or "" when there is none. Ties break on name.
func oldest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read inbox: %w", err)
	}

	var files []inboxEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, inboxEntry{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	if len(files) == 0 {
		return "", nil
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})
	return files[0].path, nil
}
