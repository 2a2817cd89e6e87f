package session

import (
	"strings"
	"testing"
	"time"

	"github.com/agent-tui/agent-tuid/internal/streambuf"
)

func TestSpawnAndRequestFlushReflectsOutput(t *testing.T) {
	s, err := Spawn("t1", "/bin/sh", []string{"-c", "printf hello"}, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.RequestFlush(); err != nil {
		t.Fatalf("RequestFlush: %v", err)
	}

	if !strings.Contains(s.ScreenText(), "hello") {
		t.Fatalf("expected screen text to contain %q, got %q", "hello", s.ScreenText())
	}
}

func TestTypeTextAndStreamRead(t *testing.T) {
	s, err := Spawn("t2", "/bin/cat", nil, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.TypeText("hi\n"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}

	res, err := s.StreamRead(streambuf.Cursor{}, 4096, 2*time.Second)
	if err != nil {
		t.Fatalf("StreamRead: %v", err)
	}
	if !strings.Contains(string(res.Data), "hi") {
		t.Fatalf("expected stream to contain %q, got %q", "hi", res.Data)
	}
}

func TestKeystrokeUnknownNameFails(t *testing.T) {
	s, err := Spawn("t3", "/bin/cat", nil, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.Keystroke("NotAKey"); err == nil {
		t.Fatal("expected an error for an unknown key name")
	}
}

func TestKeyDownComposesWithKeystroke(t *testing.T) {
	s, err := Spawn("t4", "/bin/cat", nil, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.KeyDown("Ctrl"); err != nil {
		t.Fatalf("KeyDown: %v", err)
	}
	if err := s.Keystroke("c"); err != nil {
		t.Fatalf("Keystroke: %v", err)
	}

	res, err := s.StreamRead(streambuf.Cursor{}, 4096, 2*time.Second)
	if err != nil {
		t.Fatalf("StreamRead: %v", err)
	}
	if len(res.Data) != 1 || res.Data[0] != 0x03 {
		t.Fatalf("expected a single ETX (0x03) byte for Ctrl+c, got %v", res.Data)
	}
}

func TestKeyUpReleasesModifier(t *testing.T) {
	s, err := Spawn("t5", "/bin/cat", nil, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.KeyDown("Ctrl"); err != nil {
		t.Fatalf("KeyDown: %v", err)
	}
	if err := s.KeyUp("Ctrl"); err != nil {
		t.Fatalf("KeyUp: %v", err)
	}
	if err := s.Keystroke("c"); err != nil {
		t.Fatalf("Keystroke: %v", err)
	}

	res, err := s.StreamRead(streambuf.Cursor{}, 4096, 2*time.Second)
	if err != nil {
		t.Fatalf("StreamRead: %v", err)
	}
	if string(res.Data) != "c" {
		t.Fatalf("expected plain %q after KeyUp, got %v", "c", res.Data)
	}
}

func TestScrollZeroAmountIsNoop(t *testing.T) {
	s, err := Spawn("t6", "/bin/cat", nil, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.Scroll("Up", 0); err != nil {
		t.Fatalf("Scroll: %v", err)
	}
}

func TestResizeUpdatesSize(t *testing.T) {
	s, err := Spawn("t7", "/bin/cat", nil, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.Resize(100, 30); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	got := s.Size()
	if got.Cols != 100 || got.Rows != 30 {
		t.Fatalf("expected size (100,30), got %+v", got)
	}
}

func TestKillIsIdempotentAndClosesStream(t *testing.T) {
	s, err := Spawn("t8", "/bin/cat", nil, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := s.Kill(); err != nil {
		t.Fatalf("first Kill: %v", err)
	}
	if err := s.Kill(); err != nil {
		t.Fatalf("second Kill should be a no-op, got: %v", err)
	}

	if err := s.Keystroke("a"); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Kill, got %v", err)
	}

	res, err := s.StreamRead(streambuf.Cursor{}, 16, 0)
	if err != nil {
		t.Fatalf("StreamRead after Kill: %v", err)
	}
	if !res.Closed {
		t.Fatal("expected the stream to be closed after Kill")
	}
}

func TestLivePreviewSnapshotTracksStreamPosition(t *testing.T) {
	s, err := Spawn("t9", "/bin/sh", []string{"-c", "printf hi"}, "/tmp", nil, 80, 24, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill()

	if err := s.RequestFlush(); err != nil {
		t.Fatalf("RequestFlush: %v", err)
	}

	snap := s.LivePreviewSnapshot()
	if snap.StreamSeq != s.StreamLatest() {
		t.Fatalf("expected snapshot seq to equal current stream position")
	}
	if len(snap.InitFrame) == 0 {
		t.Fatal("expected a non-empty init frame")
	}
}
