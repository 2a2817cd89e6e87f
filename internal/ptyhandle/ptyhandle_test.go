package ptyhandle

import (
	"bytes"
	"testing"
	"time"
)

func TestSpawnAndReadEvents(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "printf hello"}, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Kill()

	var got bytes.Buffer
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				break loop
			}
			switch ev.Kind {
			case EventData:
				got.Write(ev.Data)
			case EventEOF:
				break loop
			case EventError:
				t.Fatalf("unexpected read error: %v", ev.Err)
			}
		case <-timeout:
			t.Fatal("timed out waiting for PTY output")
		}
	}

	if !bytes.Contains(got.Bytes(), []byte("hello")) {
		t.Fatalf("expected output to contain %q, got %q", "hello", got.String())
	}
}

func TestSpawnRejectsZeroDimensions(t *testing.T) {
	if _, err := Spawn("/bin/sh", nil, "/tmp", nil, 0, 24); err == nil {
		t.Fatal("expected an error for zero columns")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("first Kill: %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("second Kill should be a no-op, got: %v", err)
	}
}

func TestWriteAfterKillFails(t *testing.T) {
	h, err := Spawn("/bin/cat", nil, "/tmp", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_ = h.Kill()
	if _, err := h.Write([]byte("x")); err == nil {
		t.Fatal("expected write after kill to fail")
	}
}
