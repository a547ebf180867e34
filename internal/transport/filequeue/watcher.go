package filequeue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch drains the inbox whenever a file lands in it, and also every
// pollInterval to pick up anything the notifier missed (network file
// systems, files written before the watch started). It returns when ctx
// is done. Requests are still handled one at a time.
func (q *Queue) Watch(ctx context.Context, pollInterval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(q.Inbox); err != nil {
		return fmt.Errorf("watch %s: %w", q.Inbox, err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log := q.logger()
	log.Info("watching inbox", zap.String("inbox", q.Inbox), zap.Duration("poll", pollInterval))

	drain := func() {
		n, err := q.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("drain inbox", zap.Error(err))
		}
		if n > 0 {
			log.Debug("drained inbox", zap.Int("requests", n))
		}
	}
	drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("inbox watcher error", zap.Error(err))
		case <-ticker.C:
			drain()
		}
	}
}
