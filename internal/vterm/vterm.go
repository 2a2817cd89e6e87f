// Package vterm is the Terminal State collaborator: it absorbs PTY output
// bytes through a VT/ANSI emulator and exposes a screen buffer, cursor, and
// a derived list of interactive elements. It has no threading assumptions
// beyond "the caller serializes calls" — callers (internal/session) hold
// their own lock around every method here.
package vterm

import (
	"strings"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// Cursor is the terminal cursor position and visibility.
type Cursor struct {
	Row, Col int
	Visible  bool
}

// ElementKind categorizes a detected interactive region of the screen.
type ElementKind string

const (
	ElementCheckbox ElementKind = "checkbox"
	ElementRadio    ElementKind = "radio"
	ElementListItem ElementKind = "list_item"
	ElementHighlight ElementKind = "highlight"
)

// Element is a heuristically detected interactive component on the screen.
// This is a best-effort approximation, not a true accessibility tree — it
// exists so the element-operation RPC methods (find/click/fill/...) have
// something concrete to act against.
type Element struct {
	Kind     ElementKind
	Text     string
	Row, Col int
	Width    int
	Checked  bool
	Selected bool
}

// State wraps a VT emulator and tracks the alt-screen/cursor-visibility
// flags needed to reproduce an accurate init frame.
type State struct {
	emu *vt.Emulator

	cols, rows   int
	altScreen    bool
	cursorHidden bool
}

// New creates a Terminal State sized to (cols, rows).
func New(cols, rows int) *State {
	s := &State{
		emu:  vt.NewEmulator(cols, rows),
		cols: cols,
		rows: rows,
	}
	s.emu.SetCallbacks(vt.Callbacks{
		AltScreen: func(on bool) {
			s.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			s.cursorHidden = !visible
		},
	})
	return s
}

// Process absorbs bytes emitted by the PTY.
func (s *State) Process(p []byte) {
	_, _ = s.emu.Write(p)
}

// Resize re-lays-out the screen, retaining visible content.
func (s *State) Resize(cols, rows int) {
	s.emu.Resize(cols, rows)
	s.cols, s.rows = cols, rows
}

// Size returns the current (cols, rows).
func (s *State) Size() (cols, rows int) {
	return s.cols, s.rows
}

// Cursor returns the current cursor position and visibility.
func (s *State) Cursor() Cursor {
	pos := s.emu.CursorPosition()
	return Cursor{Row: pos.Y, Col: pos.X, Visible: !s.cursorHidden}
}

// ScreenText returns the visible screen as plain text, rows joined by "\n".
func (s *State) ScreenText() string {
	var b strings.Builder
	for y := 0; y < s.rows; y++ {
		for x := 0; x < s.cols; x++ {
			cell := s.emu.CellAt(x, y)
			if cell != nil && cell.Content != "" {
				b.WriteString(cell.Content)
			} else {
				b.WriteByte(' ')
			}
		}
		if y < s.rows-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// ScreenBuffer renders the screen with SGR attributes, suitable for
// streaming directly to a real terminal.
func (s *State) ScreenBuffer() []byte {
	return []byte(s.emu.Render())
}

// Close releases emulator resources.
func (s *State) Close() error {
	return s.emu.Close()
}

// InitFrame synthesizes a byte-exact reset+repaint sequence that brings a
// fresh viewer's terminal up to the current screen state: clear-screen,
// move-to-origin, reset attributes, rendered screen, move-to-cursor,
// show/hide cursor.
func (s *State) InitFrame() []byte {
	var b strings.Builder
	b.WriteString("\x1b[2J\x1b[H\x1b[0m")
	b.WriteString(s.emu.Render())
	cur := s.Cursor()
	b.WriteString("\x1b[")
	b.WriteString(itoa(cur.Row + 1))
	b.WriteByte(';')
	b.WriteString(itoa(cur.Col + 1))
	b.WriteByte('H')
	if cur.Visible {
		b.WriteString("\x1b[?25h")
	} else {
		b.WriteString("\x1b[?25l")
	}
	return []byte(b.String())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// AnalyzeScreen scans the rendered grid for common interactive glyph
// patterns and returns a best-effort list of detected elements. This is a
// heuristic, not a full TUI accessibility tree: it recognizes square-bracket
// checkbox markers, list-item bullets, and reverse-video spans (a common
// convention for the currently focused/selected widget). Parenthesized radio
// markers are not detected.
func (s *State) AnalyzeScreen(cur Cursor) []Element {
	var elements []Element

	for y := 0; y < s.rows; y++ {
		runStart := -1
		var runText strings.Builder
		flushRun := func(endX int) {
			if runStart < 0 {
				return
			}
			text := runText.String()
			if strings.TrimSpace(text) != "" {
				elements = append(elements, Element{
					Kind:     ElementHighlight,
					Text:     text,
					Row:      y,
					Col:      runStart,
					Width:    endX - runStart,
					Selected: true,
				})
			}
			runStart = -1
			runText.Reset()
		}

		for x := 0; x < s.cols; x++ {
			cell := s.emu.CellAt(x, y)
			reversed := cell != nil && cell.Style.Attrs&uv.AttrReverse != 0
			if reversed {
				if runStart < 0 {
					runStart = x
				}
				if cell.Content != "" {
					runText.WriteString(cell.Content)
				} else {
					runText.WriteByte(' ')
				}
			} else {
				flushRun(x)
			}

			if cell == nil || cell.Content == "" {
				continue
			}
			switch cell.Content {
			case "[":
				if el, width, ok := matchBracketed(s, x, y); ok {
					el.Row, el.Col, el.Width = y, x, width
					elements = append(elements, el)
				}
			case "•", "▸", "-", "*":
				if text := lineFrom(s, x, y); strings.TrimSpace(text) != "" {
					elements = append(elements, Element{
						Kind:  ElementListItem,
						Text:  strings.TrimSpace(text),
						Row:   y,
						Col:   x,
						Width: len([]rune(text)),
					})
				}
			}
		}
		flushRun(s.cols)
	}

	return elements
}

// matchBracketed recognizes "[ ]", "[x]", "[X]", "[•]" style markers
// starting at (x, y); "(•)" style markers are not matched.
func matchBracketed(s *State, x, y int) (Element, int, bool) {
	contentAt := func(dx int) string {
		cell := s.emu.CellAt(x+dx, y)
		if cell == nil {
			return ""
		}
		return cell.Content
	}
	if contentAt(0) != "[" {
		return Element{}, 0, false
	}
	mark := contentAt(1)
	closeBr := contentAt(2)
	if closeBr != "]" {
		return Element{}, 0, false
	}
	checked := mark == "x" || mark == "X" || mark == "•"
	return Element{
		Kind:    ElementCheckbox,
		Text:    "[" + mark + "]",
		Checked: checked,
	}, 3, true
}

// lineFrom reads the remainder of row y starting at column x, stopping at
// the first run of two or more consecutive spaces (treated as a field
// separator) or the screen edge.
func lineFrom(s *State, x, y int) string {
	var b strings.Builder
	spaceRun := 0
	for cx := x; cx < s.cols; cx++ {
		cell := s.emu.CellAt(cx, y)
		content := " "
		if cell != nil && cell.Content != "" {
			content = cell.Content
		}
		if content == " " {
			spaceRun++
			if spaceRun >= 2 {
				break
			}
		} else {
			spaceRun = 0
		}
		b.WriteString(content)
	}
	return b.String()
}
