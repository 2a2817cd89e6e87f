package sessionmgr

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agent-tui/agent-tuid/internal/persist"
)

func newTestStore(t *testing.T) *persist.Store {
	t.Helper()
	s, err := persist.New(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("persist.New: %v", err)
	}
	return s
}

func TestSpawnAssignsIDAndActive(t *testing.T) {
	m := New(0, 0, newTestStore(t))
	s, err := m.Spawn("", "/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Kill(s.ID())

	if s.ID() == "" {
		t.Fatal("expected a generated session id")
	}
	active, err := m.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.ID() != s.ID() {
		t.Fatalf("expected active session to be %s, got %s", s.ID(), active.ID())
	}
}

func TestSpawnDuplicateIDFails(t *testing.T) {
	m := New(0, 0, newTestStore(t))
	s, err := m.Spawn("fixed-id", "/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Kill(s.ID())

	if _, err := m.Spawn("fixed-id", "/bin/cat", nil, "/tmp", nil, 80, 24); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSpawnRespectsSessionCap(t *testing.T) {
	m := New(1, 0, newTestStore(t))
	s, err := m.Spawn("", "/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Kill(s.ID())

	if _, err := m.Spawn("", "/bin/cat", nil, "/tmp", nil, 80, 24); err != ErrLimitReached {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
}

func TestConcurrentSpawnSameIDOnlyOneSucceeds(t *testing.T) {
	m := New(0, 0, newTestStore(t))

	const attempts = 8
	var wg sync.WaitGroup
	successes := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s, err := m.Spawn("race-id", "/bin/cat", nil, "/tmp", nil, 80, 24); err == nil {
				successes <- s.ID()
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful spawn, got %d", count)
	}
	m.Kill("race-id")
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	m := New(0, 0, newTestStore(t))
	if _, err := m.Get("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveWithNoSessionsReturnsNoActiveSession(t *testing.T) {
	m := New(0, 0, newTestStore(t))
	if _, err := m.Active(); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestKillClearsActiveAndRemovesFromList(t *testing.T) {
	m := New(0, 0, newTestStore(t))
	s, err := m.Spawn("", "/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := m.Kill(s.ID()); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := m.Active(); err != ErrNoActiveSession {
		t.Fatalf("expected no active session after killing the only one, got %v", err)
	}
	if _, err := m.Get(s.ID()); err != ErrNotFound {
		t.Fatalf("expected the killed session to be gone, got %v", err)
	}
}

func TestListReturnsInfoForEverySession(t *testing.T) {
	m := New(0, 0, newTestStore(t))
	s1, err := m.Spawn("", "/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Kill(s1.ID())
	s2, err := m.Spawn("", "/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Kill(s2.ID())

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions listed, got %d", len(infos))
	}
}

func TestCleanupRemovesDeadSessions(t *testing.T) {
	m := New(0, 0, newTestStore(t))
	s, err := m.Spawn("", "/bin/sh", []string{"-c", "exit 0"}, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	m.Cleanup(false)

	if m.Count() != 0 {
		t.Fatalf("expected the exited session to be cleaned up, got count=%d", m.Count())
	}
}
