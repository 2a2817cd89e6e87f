package persist

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	records := []Record{
		{ID: "abc12345", Command: "/bin/sh", PID: os.Getpid(), CreatedAt: time.Now().Truncate(time.Second), Cols: 80, Rows: 24},
	}
	if err := s.Save(records); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := s.Load()
	if len(got) != 1 || got[0].ID != "abc12345" {
		t.Fatalf("expected round-tripped record, got %+v", got)
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Load(); len(got) != 0 {
		t.Fatalf("expected empty roster for a missing file, got %+v", got)
	}
}

func TestLoadCorruptFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Load(); len(got) != 0 {
		t.Fatalf("expected empty roster for a corrupt file, got %+v", got)
	}
}

func TestUpsertAndRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := Record{ID: "sess1", Command: "/bin/cat", PID: os.Getpid(), CreatedAt: time.Now(), Cols: 80, Rows: 24}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	rec.Cols = 100
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}

	got := s.Load()
	if len(got) != 1 || got[0].Cols != 100 {
		t.Fatalf("expected updated record, got %+v", got)
	}

	if err := s.Remove("sess1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := s.Load(); len(got) != 0 {
		t.Fatalf("expected no records after Remove, got %+v", got)
	}
}

func TestCleanupStaleSessionsDropsDeadPIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cmd := exec.Command("/bin/true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("running /bin/true: %v", err)
	}
	deadPID := cmd.Process.Pid

	if err := s.Save([]Record{
		{ID: "alive", PID: os.Getpid(), CreatedAt: time.Now()},
		{ID: "dead", PID: deadPID, CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	survivors := s.CleanupStaleSessions()
	if len(survivors) != 1 || survivors[0].ID != "alive" {
		t.Fatalf("expected only the live-pid record to survive, got %+v", survivors)
	}
}
