package upload

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// PurgeStaging removes every staging directory under .uploads. Sessions
// live in memory only, so anything on disk at startup belongs to a dead
// process and is orphaned.
func (e *Engine) PurgeStaging() error {
	root := e.store.UploadsRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			logrus.WithError(err).WithField("entry", entry.Name()).Warn("Failed to purge stale upload")
			continue
		}
		removed++
	}
	if removed > 0 {
		logrus.WithField("sessions", removed).Info("Purged stale upload staging")
	}
	return nil
}

// SweepExpired aborts every session past its deadline and reports how
// many were collected.
func (e *Engine) SweepExpired() int {
	now := time.Now()
	e.mu.RLock()
	var expired []string
	for id, sess := range e.sessions {
		if sess.expired(now) {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()

	collected := 0
	for _, id := range expired {
		if _, err := e.Abort(id); err != nil {
			logrus.WithError(err).WithField("upload_id", id).Warn("Failed to expire upload session")
			continue
		}
		logrus.WithField("upload_id", id).Info("Expired upload session")
		collected++
	}
	return collected
}

// RunSweeper collects expired sessions on an interval until the context
// is cancelled. Run it in its own goroutine.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepExpired()
		}
	}
}

// SessionCount reports how many sessions are currently open
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}
