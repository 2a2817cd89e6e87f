// Package session implements the Session: one PTY Handle, one Terminal
// State, one Stream Buffer, and the held-modifier/pump-thread machinery
// that ties them together. A Session is owned exclusively by a Session
// Manager; RPC handlers and the pump thread reach it only through its
// exported, lock-guarded methods.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agent-tui/agent-tuid/internal/ptyhandle"
	"github.com/agent-tui/agent-tuid/internal/streambuf"
	"github.com/agent-tui/agent-tuid/internal/vterm"
)

// ErrClosed is returned by any operation attempted after Kill.
var ErrClosed = errors.New("session: closed")

type ctrlKind int

const (
	ctrlFlush ctrlKind = iota
	ctrlShutdown
)

type ctrlMsg struct {
	kind ctrlKind
	ack  chan struct{}
}

// Size is a (cols, rows) pair.
type Size struct {
	Cols, Rows int
}

// LivePreview is the byte-exact resync frame plus the stream position it
// was taken at, so a reader can seamlessly continue from the raw stream.
type LivePreview struct {
	InitFrame []byte
	Size      Size
	StreamSeq uint64
}

// Session owns one child process's PTY, terminal emulation, and output
// stream. All exported methods are safe for concurrent use.
type Session struct {
	id      string
	command string
	args    []string
	cwd     string
	createdAt time.Time

	mu   sync.Mutex
	pty  *ptyhandle.Handle
	term *vterm.State
	size Size
	held map[Modifier]bool

	stream *streambuf.Buffer

	ctrl      chan ctrlMsg
	pumpDone  chan struct{}
	closeOnce sync.Once
	closed    bool
}

// Spawn starts a child process under a new PTY and begins pumping its
// output into the Terminal State and Stream Buffer.
func Spawn(id, command string, args []string, cwd string, env []string, cols, rows int, maxStreamBytes int) (*Session, error) {
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("session: invalid size %dx%d", cols, rows)
	}
	h, err := ptyhandle.Spawn(command, args, cwd, env, uint16(cols), uint16(rows))
	if err != nil {
		return nil, fmt.Errorf("session: spawn: %w", err)
	}

	s := &Session{
		id:        id,
		command:   command,
		args:      args,
		cwd:       cwd,
		createdAt: time.Now(),
		pty:       h,
		term:      vterm.New(cols, rows),
		size:      Size{Cols: cols, Rows: rows},
		held:      make(map[Modifier]bool),
		stream:    streambuf.New(maxStreamBytes),
		ctrl:      make(chan ctrlMsg),
		pumpDone:  make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Command() (string, []string) { return s.command, s.args }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty.PID()
}

func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty.IsRunning()
}

func (s *Session) Size() Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Session) Cursor() vterm.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.Cursor()
}

func (s *Session) ScreenText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.ScreenText()
}

func (s *Session) ScreenRender() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.ScreenBuffer()
}

func (s *Session) Elements() []vterm.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.AnalyzeScreen(s.term.Cursor())
}

// LivePreviewSnapshot returns a byte-exact resync frame along with the
// stream position it corresponds to.
func (s *Session) LivePreviewSnapshot() LivePreview {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LivePreview{
		InitFrame: s.term.InitFrame(),
		Size:      s.size,
		StreamSeq: s.stream.NextSeq(),
	}
}

// Keystroke writes the ANSI bytes for a named key, composed with any
// currently held modifiers.
func (s *Session) Keystroke(name string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	seq, err := resolveKey(name, s.held)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.writePTY([]byte(seq))
}

// KeyDown marks a modifier held until the matching KeyUp.
func (s *Session) KeyDown(name string) error {
	mod, ok := parseModifier(name)
	if !ok {
		return &ErrInvalidKey{Name: name}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.held[mod] = true
	return nil
}

// KeyUp releases a held modifier.
func (s *Session) KeyUp(name string) error {
	mod, ok := parseModifier(name)
	if !ok {
		return &ErrInvalidKey{Name: name}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.held, mod)
	return nil
}

// TypeText writes each rune of str as a keystroke, composing currently
// held modifiers exactly as Keystroke does.
func (s *Session) TypeText(str string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	held := make(map[Modifier]bool, len(s.held))
	for k, v := range s.held {
		held[k] = v
	}
	s.mu.Unlock()

	out := make([]byte, 0, len(str))
	for _, r := range str {
		seq, err := resolveKey(string(r), held)
		if err != nil {
			return err
		}
		out = append(out, seq...)
	}
	return s.writePTY(out)
}

// Scroll translates direction×amount into arrow-key byte sequences.
func (s *Session) Scroll(direction string, amount int) error {
	seq, err := translateScroll(direction, amount)
	if err != nil {
		return err
	}
	if seq == "" {
		return nil
	}
	return s.writePTY([]byte(seq))
}

// PTYWrite writes raw bytes directly to the child's stdin.
func (s *Session) PTYWrite(p []byte) error {
	return s.writePTY(p)
}

func (s *Session) writePTY(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	h := s.pty
	s.mu.Unlock()
	if _, err := h.Write(p); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// Resize changes the PTY and Terminal State dimensions together.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("session: invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		return fmt.Errorf("session: resize: %w", err)
	}
	s.term.Resize(cols, rows)
	s.size = Size{Cols: cols, Rows: rows}
	return nil
}

// StreamRead reads up to maxBytes from the Stream Buffer starting at
// cursor, blocking up to timeout for data to arrive.
func (s *Session) StreamRead(cursor streambuf.Cursor, maxBytes int, timeout time.Duration) (streambuf.ReadResult, error) {
	var deadline <-chan struct{}
	if timeout > 0 {
		ch := make(chan struct{})
		timer := time.AfterFunc(timeout, func() { close(ch) })
		defer timer.Stop()
		deadline = ch
	} else if timeout == 0 {
		ch := make(chan struct{})
		close(ch)
		deadline = ch
	}
	return s.stream.Read(cursor, maxBytes, deadline)
}

// StreamSubscribe returns a notifier woken on every push/close.
func (s *Session) StreamSubscribe() *streambuf.Subscription {
	return s.stream.Subscribe()
}

// StreamUnsubscribe releases a subscription obtained from StreamSubscribe.
func (s *Session) StreamUnsubscribe(sub *streambuf.Subscription) {
	s.stream.Unsubscribe(sub)
}

// StreamLatest returns the current next-sequence-number of the stream,
// i.e. the position a fresh reader should resume at after a resync.
func (s *Session) StreamLatest() uint64 {
	return s.stream.NextSeq()
}

// RequestFlush blocks until the pump has drained every PTY event queued at
// the moment of the call, guaranteeing that subsequent state reads reflect
// everything the child had already written.
func (s *Session) RequestFlush() error {
	ack := make(chan struct{})
	select {
	case s.ctrl <- ctrlMsg{kind: ctrlFlush, ack: ack}:
	case <-s.pumpDone:
		return ErrClosed
	}
	select {
	case <-ack:
		return nil
	case <-s.pumpDone:
		return ErrClosed
	}
}

// Kill terminates the child process, shuts down the pump, and closes the
// Stream Buffer. Idempotent.
func (s *Session) Kill() error {
	var killErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		h := s.pty
		s.mu.Unlock()

		select {
		case s.ctrl <- ctrlMsg{kind: ctrlShutdown}:
		case <-s.pumpDone:
		}

		if err := h.Kill(); err != nil {
			killErr = fmt.Errorf("session: kill: %w", err)
			log.Printf("session %s: kill error: %v", s.id, err)
		}
		<-s.pumpDone
	})
	return killErr
}

// pump is the single goroutine per Session multiplexing PTY read events
// against control messages (Flush/Shutdown).
func (s *Session) pump() {
	defer close(s.pumpDone)
	events := s.pty.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.stream.Close(nil)
				return
			}
			switch ev.Kind {
			case ptyhandle.EventData:
				s.mu.Lock()
				s.term.Process(ev.Data)
				s.stream.Push(ev.Data)
				s.mu.Unlock()
			case ptyhandle.EventEOF:
				s.stream.Close(nil)
				return
			case ptyhandle.EventError:
				log.Printf("session %s: pty read error: %v", s.id, ev.Err)
				s.stream.Close(ev.Err)
				return
			}
		case msg := <-s.ctrl:
			switch msg.kind {
			case ctrlFlush:
				stop := s.drainPending(events)
				close(msg.ack)
				if stop {
					return
				}
			case ctrlShutdown:
				s.stream.Close(nil)
				return
			}
		}
	}
}

// drainPending non-blockingly consumes every PTY event already queued so a
// Flush caller observes an up-to-date Terminal State and Stream Buffer. It
// reports whether the pump must now exit because it observed EOF or an
// error while draining.
func (s *Session) drainPending(events <-chan ptyhandle.ReadEvent) (stop bool) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.stream.Close(nil)
				return true
			}
			switch ev.Kind {
			case ptyhandle.EventData:
				s.mu.Lock()
				s.term.Process(ev.Data)
				s.stream.Push(ev.Data)
				s.mu.Unlock()
			case ptyhandle.EventEOF:
				s.stream.Close(nil)
				return true
			case ptyhandle.EventError:
				log.Printf("session %s: pty read error: %v", s.id, ev.Err)
				s.stream.Close(ev.Err)
				return true
			}
		default:
			return false
		}
	}
}
