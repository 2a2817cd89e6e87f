// Package streambuf implements the bounded, sequence-numbered byte stream
// that a Session's pump thread fills and that RPC stream handlers drain
// through independent cursors. It deliberately drops the oldest bytes on
// overflow instead of blocking the producer: a slow or disconnected reader
// must never back up the PTY pump, because that would change the child
// process's observable behavior.
package streambuf

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const DefaultMaxBytes = 8 * 1024 * 1024

// Cursor is a single reader's position into the stream.
type Cursor struct {
	Seq uint64
}

// ReadResult is returned by Buffer.Read.
type ReadResult struct {
	Data         []byte
	NextCursor   Cursor
	LatestCursor Cursor
	DroppedBytes uint64
	Closed       bool
}

type chunk struct {
	data []byte
	seq  uint64 // sequence number of chunk.data[0]
}

// Buffer is a FIFO of byte chunks plus the sequence-number bookkeeping
// described in spec §4.C.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxBytes int
	chunks   []chunk
	size     int // total buffered bytes across chunks

	baseSeq      uint64
	nextSeq      uint64
	droppedBytes uint64

	closed   bool
	closeErr error

	watchers []*Subscription
}

// New creates a Buffer bounded to maxBytes. maxBytes <= 0 uses DefaultMaxBytes.
func New(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	b := &Buffer{maxBytes: maxBytes}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends data, evicting from the front as needed to respect maxBytes,
// then wakes every blocked reader and every subscriber.
func (b *Buffer) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	cp := append([]byte(nil), data...)
	b.chunks = append(b.chunks, chunk{data: cp, seq: b.nextSeq})
	b.size += len(cp)
	b.nextSeq += uint64(len(cp))

	for b.size > b.maxBytes && len(b.chunks) > 0 {
		front := &b.chunks[0]
		excess := b.size - b.maxBytes
		if len(front.data) <= excess {
			b.size -= len(front.data)
			b.baseSeq += uint64(len(front.data))
			b.droppedBytes += uint64(len(front.data))
			b.chunks = b.chunks[1:]
			continue
		}
		// Split: retain the trailing slice, discard the leading excess bytes.
		front.data = front.data[excess:]
		front.seq += uint64(excess)
		b.size -= excess
		b.baseSeq += uint64(excess)
		b.droppedBytes += uint64(excess)
	}
	watchers := b.watchers
	b.mu.Unlock()
	b.cond.Broadcast()
	for _, w := range watchers {
		w.notify()
	}
}

// Close marks the stream closed, optionally recording a terminal error,
// then wakes every blocked reader and every subscriber.
func (b *Buffer) Close(err error) {
	b.mu.Lock()
	already := b.closed
	if !already {
		b.closed = true
		b.closeErr = err
	}
	watchers := b.watchers
	b.mu.Unlock()
	b.cond.Broadcast()
	if !already {
		for _, w := range watchers {
			w.notify()
		}
	}
}

// Subscription is a latched, single-slot notifier: the first Wait after a
// Notify returns immediately, even if Notify raced ahead of Wait.
type Subscription struct {
	id    string
	mu    sync.Mutex
	cond  *sync.Cond
	fired bool
}

func newSubscription() *Subscription {
	s := &Subscription{id: uuid.NewString()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID is a correlation id for log lines, unique per subscription rather than
// per session — a session can have several live attach/live-preview readers
// at once and log lines need to distinguish them.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) notify() {
	s.mu.Lock()
	s.fired = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Wait blocks until Notify has fired since the last Wait returned, or until
// the channel returned by deadline closes, whichever comes first. A nil
// deadline blocks forever. It reports whether it returned because of a
// notification (false on deadline expiry).
func (s *Subscription) Wait(deadline <-chan struct{}) bool {
	s.mu.Lock()
	if s.fired {
		s.fired = false
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	woken := make(chan struct{})
	go func() {
		s.mu.Lock()
		for !s.fired {
			s.cond.Wait()
		}
		s.fired = false
		s.mu.Unlock()
		close(woken)
	}()

	if deadline == nil {
		<-woken
		return true
	}
	select {
	case <-woken:
		return true
	case <-deadline:
		// The helper goroutine above remains parked on cond.Wait until a
		// future Notify (or a spurious Broadcast from Push/Close) wakes it;
		// it then finds fired already consumed by a subsequent Wait, or
		// leaves it set for the next caller. It is never leaked past process
		// lifetime since the Buffer always outlives it.
		return false
	}
}

// Subscribe returns a notifier for this buffer. It is armed immediately so a
// caller that subscribes, then checks for already-available data, then
// calls Wait, never misses a Push that happened in between.
func (b *Buffer) Subscribe() *Subscription {
	sub := newSubscription()
	b.mu.Lock()
	b.watchers = append(b.watchers, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a Subscription so its goroutine can be garbage
// collected once idle. Safe to call more than once.
func (b *Buffer) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.watchers {
		if w == sub {
			b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
			return
		}
	}
}

// Read implements the read algorithm from spec §4.C: block (if requested)
// until bytes are available or the stream closes, then resolve drop
// accounting against the cursor and copy up to maxBytes starting from the
// effective cursor position.
func (b *Buffer) Read(cursor Cursor, maxBytes int, deadline <-chan struct{}) (ReadResult, error) {
	if maxBytes < 1 {
		maxBytes = 1
	}

	b.mu.Lock()
	if b.nextSeq <= cursor.Seq && !b.closed {
		b.mu.Unlock()
		woken := make(chan struct{})
		go func() {
			b.mu.Lock()
			for b.nextSeq <= cursor.Seq && !b.closed {
				b.cond.Wait()
			}
			b.mu.Unlock()
			close(woken)
		}()
		select {
		case <-woken:
		case <-deadline:
		}
		b.mu.Lock()
	}

	baseSeq, nextSeq, closed, closeErr := b.baseSeq, b.nextSeq, b.closed, b.closeErr
	chunksSnapshot := b.chunks
	b.mu.Unlock()

	if closeErr != nil {
		return ReadResult{}, fmt.Errorf("streambuf: stream closed with error: %w", closeErr)
	}

	dropped := uint64(0)
	effectiveSeq := cursor.Seq
	if effectiveSeq < baseSeq {
		dropped = baseSeq - effectiveSeq
		effectiveSeq = baseSeq
	}

	available := 0
	if nextSeq > effectiveSeq {
		available = int(nextSeq - effectiveSeq)
	}
	toCopy := available
	if toCopy > maxBytes {
		toCopy = maxBytes
	}

	data := make([]byte, 0, toCopy)
	remaining := toCopy
	offset := effectiveSeq - baseSeq
	skipped := uint64(0)
	for _, c := range chunksSnapshot {
		if remaining <= 0 {
			break
		}
		clen := uint64(len(c.data))
		if skipped+clen <= offset {
			skipped += clen
			continue
		}
		start := uint64(0)
		if offset > skipped {
			start = offset - skipped
		}
		end := clen
		if end-start > uint64(remaining) {
			end = start + uint64(remaining)
		}
		data = append(data, c.data[start:end]...)
		remaining -= int(end - start)
		skipped += clen
	}

	newSeq := effectiveSeq + uint64(len(data))
	return ReadResult{
		Data:         data,
		NextCursor:   Cursor{Seq: newSeq},
		LatestCursor: Cursor{Seq: nextSeq},
		DroppedBytes: dropped,
		Closed:       closed,
	}, nil
}

// ReadNonBlocking performs a single poll: it returns immediately with
// whatever is available, blocking for nothing.
func (b *Buffer) ReadNonBlocking(cursor Cursor, maxBytes int) (ReadResult, error) {
	closedDeadline := make(chan struct{})
	close(closedDeadline)
	return b.Read(cursor, maxBytes, closedDeadline)
}

// BaseSeq, NextSeq, DroppedBytes, and IsClosed expose the current counters
// for diagnostics and tests.
func (b *Buffer) BaseSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseSeq
}

func (b *Buffer) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

func (b *Buffer) DroppedBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedBytes
}

func (b *Buffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
