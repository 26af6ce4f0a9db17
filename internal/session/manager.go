// Package session serializes turns for the same patient identifier.
//
// Turns for one identifier must never interleave, otherwise two inbound
// messages can both read the same state and one update is lost.  Turns for
// different identifiers run in parallel.  A Manager always holds an
// in-process mutex per identifier and, when configured with a
// DistributedLocker, also a cluster-wide lock so several replicas can share
// one database.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"triage-dispatcher/internal/logging"
)

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker acquires a lock shared between processes.
type DistributedLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// lockEntry holds the mutex and the number of goroutines using it.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out per-identifier locks.  Entries are reference counted and
// dropped once no turn holds or waits for them, so the map only grows with
// the number of identifiers currently active.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	locker DistributedLocker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking with the given lease TTL.
func WithLocker(locker DistributedLocker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = locker
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a lock Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*lockEntry),
		ttl:    30 * time.Second,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(identifier string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[identifier]
	if !ok {
		entry = &lockEntry{}
		m.locks[identifier] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[identifier]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, identifier)
	}
}

// Active returns the number of identifiers with a held or awaited lock.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// WithLock runs fn while holding the lock for identifier.
func (m *Manager) WithLock(ctx context.Context, identifier string, fn func(context.Context) error) error {
	entry := m.acquire(identifier)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(identifier)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, identifier, m.ttl)
		if err != nil {
			return fmt.Errorf("acquire distributed lock: %w", err)
		}
		defer func() {
			// the turn's context may already be done; release on a fresh one
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := unlock(rctx); err != nil {
				m.logger.Warn("failed to release distributed lock, it will expire via TTL",
					"identifier", identifier,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
