package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/gzhole/guardbridge/internal/fsutil"
)

// FileStore keeps the queue as one JSON object keyed by request id. Every
// mutation rewrites the file atomically while holding an flock on a sidecar
// "<path>.lock", so `queue process` from cron and a running `serve` can
// share one state dir.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates the file with an empty map if it does not exist.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &FileStore{path: path}
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.save(map[string]Pending{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// lock serializes access within the process and across processes. The
// lock lives on a sidecar file because save replaces the data file.
func (s *FileStore) lock() (func(), error) {
	s.mu.Lock()
	// #nosec G304 -- path comes from guard config.
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("open pending lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		s.mu.Unlock()
		return nil, fmt.Errorf("lock pending store: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) Add(p Pending) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	if _, exists := all[p.RequestID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.RequestID)
	}
	all[p.RequestID] = p
	return s.save(all)
}

func (s *FileStore) Get(requestID string) (Pending, error) {
	unlock, err := s.lock()
	if err != nil {
		return Pending{}, err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return Pending{}, err
	}
	p, ok := all[requestID]
	if !ok {
		return Pending{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return p, nil
}

func (s *FileStore) List() ([]Pending, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(all))
	for _, p := range all {
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func (s *FileStore) Remove(requestID string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := all[requestID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	delete(all, requestID)
	return s.save(all)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (map[string]Pending, error) {
	all := map[string]Pending{}
	// #nosec G304 -- path comes from guard config.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return all, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	// Records written by older tools may lack the id inside the value.
	for id, p := range all {
		if p.RequestID == "" {
			p.RequestID = id
			all[id] = p
		}
	}
	return all, nil
}

func (s *FileStore) save(all map[string]Pending) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, append(data, '\n'), 0600)
}

func sortPending(ps []Pending) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].RequestID < ps[j].RequestID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
