package updater

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// Regenerator rebuilds the database archives for one (repo, arch).
// Satisfied by the pacman generator.
type Regenerator interface {
	Generate(ctx context.Context, key models.RepoArchKey) error
}

const (
	// DefaultDebounce is how long a key must stay quiet before its
	// database is rebuilt.
	DefaultDebounce = 10 * time.Second

	minWake       = 100 * time.Millisecond
	maxWake       = time.Hour
	inboxCapacity = 100
)

type msgKind int

const (
	msgRequest msgKind = iota
	msgForce
	msgShutdown
)

type message struct {
	kind msgKind
	key  models.RepoArchKey
}

type pendingEntry struct {
	first time.Time
	last  time.Time
}

// Actor is the single writer of database archives. Rebuild requests pass
// through a bounded inbox and are debounced per key, so a burst of
// uploads to one repo costs one regeneration. Because only the actor
// goroutine calls the generator, no two builds of the same key can race.
type Actor struct {
	gen      Regenerator
	debounce time.Duration
	inbox    chan message
	done     chan struct{}
}

// New creates an actor. Call Start to launch its loop.
func New(gen Regenerator, debounce time.Duration) *Actor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Actor{
		gen:      gen,
		debounce: debounce,
		inbox:    make(chan message, inboxCapacity),
		done:     make(chan struct{}),
	}
}

// Start launches the actor loop in its own goroutine
func (a *Actor) Start() {
	go a.run()
}

// RequestUpdate asks for a debounced rebuild of one key. After Shutdown
// the request is dropped with a warning.
func (a *Actor) RequestUpdate(key models.RepoArchKey) {
	select {
	case a.inbox <- message{kind: msgRequest, key: key}:
	case <-a.done:
		logrus.WithFields(logrus.Fields{"repo": key.Repo, "arch": key.Arch}).
			Warn("Update actor stopped, dropping request")
	}
}

// ForceRebuild queues an immediate rebuild, clearing any pending debounce
// for the key. It returns once the message is enqueued; the rebuild runs
// in the actor's next turn.
func (a *Actor) ForceRebuild(key models.RepoArchKey) {
	select {
	case a.inbox <- message{kind: msgForce, key: key}:
	case <-a.done:
		logrus.WithFields(logrus.Fields{"repo": key.Repo, "arch": key.Arch}).
			Warn("Update actor stopped, dropping rebuild")
	}
}

// Shutdown drains every pending rebuild and stops the actor. It blocks
// until the drain has finished. Safe to call more than once.
func (a *Actor) Shutdown() {
	select {
	case a.inbox <- message{kind: msgShutdown}:
	case <-a.done:
		return
	}
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)

	pending := make(map[models.RepoArchKey]pendingEntry)
	timer := time.NewTimer(maxWake)
	defer timer.Stop()

	for {
		// Wake when the quietest pending key crosses the debounce,
		// clamped so a busy key cannot starve the loop and an empty map
		// still wakes eventually.
		wait := maxWake
		now := time.Now()
		for _, entry := range pending {
			if d := entry.last.Add(a.debounce).Sub(now); d < wait {
				wait = d
			}
		}
		if wait < minWake {
			wait = minWake
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case msg := <-a.inbox:
			switch msg.kind {
			case msgRequest:
				now := time.Now()
				entry, ok := pending[msg.key]
				if !ok {
					entry.first = now
				}
				entry.last = now
				pending[msg.key] = entry
			case msgForce:
				delete(pending, msg.key)
				a.regenerate(msg.key)
			case msgShutdown:
				for key := range pending {
					a.regenerate(key)
				}
				return
			}
		case <-timer.C:
			now := time.Now()
			for key, entry := range pending {
				if now.Sub(entry.last) >= a.debounce {
					delete(pending, key)
					logrus.WithFields(logrus.Fields{
						"repo":   key.Repo,
						"arch":   key.Arch,
						"queued": now.Sub(entry.first).Round(time.Millisecond).String(),
					}).Debug("Debounce elapsed, rebuilding database")
					a.regenerate(key)
				}
			}
		}
	}
}

// regenerate runs one build. Failures are logged and dropped; the next
// request for the key schedules a fresh attempt.
func (a *Actor) regenerate(key models.RepoArchKey) {
	if err := a.gen.Generate(context.Background(), key); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"repo": key.Repo,
			"arch": key.Arch,
		}).Error("Database generation failed")
	}
}
