// Package persist stores the lightweight session roster the daemon
// restores on startup: enough to tell a user "there was a session here"
// and to prune records whose process has since vanished. It is not the
// source of truth for a live Session — the Session Manager's in-memory map
// is — only a best-effort record for crash recovery. The Session Manager's
// map is not re-populated from it after a daemon restart.
package persist

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"
)

// Record is one persisted session entry.
type Record struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
}

// Store reads and writes the sessions file under an advisory file lock so
// multiple daemon instances (or a daemon and a debug CLI) never interleave
// writes.
type Store struct {
	path     string
	lockPath string
}

// New creates a Store backed by path, creating its parent directory with
// user-only permissions if absent.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("persist: create dir %s: %w", dir, err)
	}
	return &Store{path: path, lockPath: path + ".lock"}, nil
}

const (
	lockInitialBackoff = time.Millisecond
	lockMaxBackoff     = 100 * time.Millisecond
	lockTotalTimeout   = 5 * time.Second
)

func (s *Store) withLock(fn func() error) error {
	fl := flock.New(s.lockPath)

	backoff := lockInitialBackoff
	deadline := time.Now().Add(lockTotalTimeout)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("persist: acquire lock: %w", err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("persist: lock timed out after %s", lockTotalTimeout)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > lockMaxBackoff {
			backoff = lockMaxBackoff
		}
	}
	defer fl.Unlock()

	return fn()
}

// Load reads every persisted record. A missing file yields an empty list; a
// corrupt or unreadable file yields an empty list and a logged warning. It
// never returns an error that could abort startup.
func (s *Store) Load() []Record {
	var records []Record
	err := s.withLock(func() error {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, &records)
	})
	if err != nil {
		log.Printf("persist: load %s failed, starting with an empty roster: %v", s.path, err)
		return nil
	}
	return records
}

// Save atomically replaces the sessions file's contents with records.
func (s *Store) Save(records []Record) error {
	return s.withLock(func() error {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("persist: marshal: %w", err)
		}
		tmp := s.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("persist: write temp file: %w", err)
		}
		if err := os.Rename(tmp, s.path); err != nil {
			return fmt.Errorf("persist: rename: %w", err)
		}
		return nil
	})
}

// Upsert adds or replaces the record with the given id, then saves.
func (s *Store) Upsert(rec Record) error {
	return s.withLock(func() error {
		records := s.loadLocked()
		found := false
		for i, r := range records {
			if r.ID == rec.ID {
				records[i] = rec
				found = true
				break
			}
		}
		if !found {
			records = append(records, rec)
		}
		return s.saveLocked(records)
	})
}

// Remove deletes the record with the given id, if present, then saves.
func (s *Store) Remove(id string) error {
	return s.withLock(func() error {
		records := s.loadLocked()
		out := records[:0]
		for _, r := range records {
			if r.ID != id {
				out = append(out, r)
			}
		}
		return s.saveLocked(out)
	})
}

// loadLocked and saveLocked assume the caller already holds the file lock
// (used from within Upsert/Remove/CleanupStaleSessions to compose a
// read-modify-write under one lock acquisition).
func (s *Store) loadLocked() []Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("persist: corrupt sessions file %s, discarding: %v", s.path, err)
		return nil
	}
	return records
}

func (s *Store) saveLocked(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// CleanupStaleSessions removes every record whose PID is no longer a live
// process, returning the surviving records.
func (s *Store) CleanupStaleSessions() []Record {
	var survivors []Record
	err := s.withLock(func() error {
		records := s.loadLocked()
		survivors = make([]Record, 0, len(records))
		for _, r := range records {
			alive, err := process.PidExists(int32(r.PID))
			if err != nil {
				log.Printf("persist: liveness check for pid %d failed, dropping record %s: %v", r.PID, r.ID, err)
				continue
			}
			if alive {
				survivors = append(survivors, r)
			}
		}
		return s.saveLocked(survivors)
	})
	if err != nil {
		log.Printf("persist: cleanup of %s failed: %v", s.path, err)
	}
	return survivors
}
