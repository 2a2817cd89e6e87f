package vterm

import (
	"strings"
	"testing"
)

func TestProcessAndScreenText(t *testing.T) {
	s := New(20, 5)
	defer s.Close()

	s.Process([]byte("hello"))

	text := s.ScreenText()
	if len(text) == 0 {
		t.Fatal("expected non-empty screen text")
	}
	if text[:5] != "hello" {
		t.Fatalf("expected screen to start with %q, got %q", "hello", text[:5])
	}
}

func TestResizeRetainsContent(t *testing.T) {
	s := New(20, 5)
	defer s.Close()

	s.Process([]byte("hi"))
	s.Resize(40, 10)

	cols, rows := s.Size()
	if cols != 40 || rows != 10 {
		t.Fatalf("expected size (40,10), got (%d,%d)", cols, rows)
	}
	if text := s.ScreenText(); !strings.HasPrefix(text, "hi") {
		t.Fatalf("expected screen to still start with %q after resize, got %q", "hi", text)
	}
}

func TestAnalyzeScreenDetectsCheckbox(t *testing.T) {
	s := New(20, 3)
	defer s.Close()

	s.Process([]byte("[x] enabled"))

	els := s.AnalyzeScreen(s.Cursor())
	found := false
	for _, el := range els {
		if el.Kind == ElementCheckbox && el.Checked {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a checked checkbox element, got %+v", els)
	}
}

func TestInitFrameIncludesRenderedScreen(t *testing.T) {
	s := New(20, 5)
	defer s.Close()
	s.Process([]byte("hello"))

	frame := s.InitFrame()
	if len(frame) == 0 {
		t.Fatal("expected non-empty init frame")
	}
}
