// Package sessionmgr implements the Session Manager: the single owner of
// every live Session, enforcing id uniqueness, the session cap, and the
// active-session pointer, and coordinating with the Persistence Store so a
// restart can recover a best-effort roster.
package sessionmgr

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agent-tui/agent-tuid/internal/persist"
	"github.com/agent-tui/agent-tuid/internal/session"
)

var (
	ErrAlreadyExists   = errors.New("sessionmgr: session id already exists")
	ErrLimitReached    = errors.New("sessionmgr: session limit reached")
	ErrNotFound        = errors.New("sessionmgr: session not found")
	ErrNoActiveSession = errors.New("sessionmgr: no active session")
)

// Info is the on-demand "list view" of a session.
type Info struct {
	ID        string
	Command   string
	PID       int
	Running   bool
	CreatedAt time.Time
	Cols      int
	Rows      int
	Placeholder bool // true when the session's lock could not be acquired in time
}

// listLockTimeout bounds how long List waits on any one session's lock
// before falling back to a placeholder row, per spec.md §9.
const listLockTimeout = 50 * time.Millisecond

// Manager owns every live Session for this daemon process.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	activeID    string
	maxSessions int
	maxBytes    int
	store       *persist.Store
}

// New creates an empty Manager. maxSessions <= 0 means unbounded.
func New(maxSessions, maxStreamBytes int, store *persist.Store) *Manager {
	return &Manager{
		sessions:    make(map[string]*session.Session),
		maxSessions: maxSessions,
		maxBytes:    maxStreamBytes,
		store:       store,
	}
}

// Spawn starts a new Session. If id is empty, a random 8-char id is
// allocated. The new session becomes active.
func (m *Manager) Spawn(id, command string, args []string, cwd string, env []string, cols, rows int) (*session.Session, error) {
	m.mu.Lock()
	if id != "" {
		if _, exists := m.sessions[id]; exists {
			m.mu.Unlock()
			return nil, ErrAlreadyExists
		}
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrLimitReached
	}
	if id == "" {
		var genErr error
		id, genErr = m.allocateIDLocked()
		if genErr != nil {
			m.mu.Unlock()
			return nil, genErr
		}
	}
	// Reserve the id before releasing the lock to spawn, so concurrent
	// spawns with the same caller-supplied id cannot both succeed.
	m.sessions[id] = nil
	m.mu.Unlock()

	s, err := session.Spawn(id, command, args, cwd, env, cols, rows, m.maxBytes)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("sessionmgr: spawn: %w", err)
	}
	m.sessions[id] = s
	m.activeID = id
	m.mu.Unlock()

	if m.store != nil {
		rec := persist.Record{ID: id, Command: command, PID: s.PID(), CreatedAt: s.CreatedAt(), Cols: cols, Rows: rows}
		if err := m.store.Upsert(rec); err != nil {
			log.Printf("sessionmgr: persist spawn of %s failed: %v", id, err)
		}
	}

	return s, nil
}

func (m *Manager) allocateIDLocked() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for attempt := 0; attempt < 16; attempt++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("sessionmgr: generate id: %w", err)
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		candidate := string(buf)
		if _, exists := m.sessions[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("sessionmgr: could not allocate a unique id")
}

// Get returns the session for id, or ErrNotFound.
func (m *Manager) Get(id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// Active returns the active session, or ErrNoActiveSession.
func (m *Manager) Active() (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return nil, ErrNoActiveSession
	}
	s, ok := m.sessions[m.activeID]
	if !ok || s == nil {
		return nil, ErrNoActiveSession
	}
	return s, nil
}

// Resolve returns the session named by id, or the active session when id
// is empty.
func (m *Manager) Resolve(id string) (*session.Session, error) {
	if id == "" {
		return m.Active()
	}
	return m.Get(id)
}

// SetActive makes id the active session. id must already exist.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s == nil {
		return ErrNotFound
	}
	m.activeID = id
	return nil
}

// List returns an on-demand snapshot of every session. A session whose
// lock cannot be acquired within listLockTimeout gets a placeholder row
// instead of stalling the whole call.
func (m *Manager) List() []Info {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	sessions := make(map[string]*session.Session, len(m.sessions))
	activeID := m.activeID
	for id, s := range m.sessions {
		if s == nil {
			continue
		}
		ids = append(ids, id)
		sessions[id] = s
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		s := sessions[id]
		infos = append(infos, snapshotWithTimeout(id, s, listLockTimeout))
	}
	_ = activeID
	return infos
}

// snapshotWithTimeout races a session snapshot against a deadline so one
// wedged session cannot stall List for everyone else.
func snapshotWithTimeout(id string, s *session.Session, timeout time.Duration) Info {
	done := make(chan Info, 1)
	go func() {
		cmd, _ := s.Command()
		size := s.Size()
		done <- Info{
			ID:        id,
			Command:   cmd,
			PID:       s.PID(),
			Running:   s.IsRunning(),
			CreatedAt: s.CreatedAt(),
			Cols:      size.Cols,
			Rows:      size.Rows,
		}
	}()
	select {
	case info := <-done:
		return info
	case <-time.After(timeout):
		return Info{ID: id, Placeholder: true}
	}
}

// Kill removes id from the map, clears it as active if needed, and tears
// down its Session. Individual step failures are logged but cleanup
// continues.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()

	if err := s.Kill(); err != nil {
		log.Printf("sessionmgr: kill %s: %v", id, err)
	}
	if m.store != nil {
		if err := m.store.Remove(id); err != nil {
			log.Printf("sessionmgr: persist removal of %s failed: %v", id, err)
		}
	}
	return nil
}

// Cleanup removes sessions whose PID is no longer live, or every session
// when all is true. Per-session failures are logged, not returned.
func (m *Manager) Cleanup(all bool) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s == nil {
			continue
		}
		if all || !s.IsRunning() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Kill(id); err != nil {
			log.Printf("sessionmgr: cleanup of %s failed: %v", id, err)
		}
	}
}

// CloseAll tears down every session unconditionally. Used during daemon
// shutdown.
func (m *Manager) CloseAll() {
	m.Cleanup(true)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s != nil {
			n++
		}
	}
	return n
}
