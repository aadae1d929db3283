// Package buffer provides the append-only, per-session event log.
//
// A TokenBuffer owns an ordered sequence of frames for one session.
// Exactly one writer appends; any number of readers consume, each at its
// own offset, including offsets far behind the writer. History is never
// discarded while the buffer lives, so a reader may always start from
// any historical position.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// Frame is one immutable entry of a session log. LSNs start at 1 and
// increase by exactly one per append.
type Frame struct {
	LSN   uint64            `json:"lsn"`
	Event types.StreamEvent `json:"event"`
	Time  time.Time         `json:"time"`
}

// TokenBuffer is the append-only log for a single session.
type TokenBuffer struct {
	sessionID string

	mu      sync.Mutex
	frames  []Frame
	closed  bool
	err     error
	changed chan struct{} // closed and replaced on every append/close
}

// New creates an empty buffer for the given session.
func New(sessionID string) *TokenBuffer {
	return &TokenBuffer{
		sessionID: sessionID,
		changed:   make(chan struct{}),
	}
}

// SessionID returns the owning session's id.
func (b *TokenBuffer) SessionID() string {
	return b.sessionID
}

// Append assigns the next LSN to the event and stores the frame.
// Appending to a closed buffer panics: it indicates a second writer,
// which the registry is responsible for never creating.
func (b *TokenBuffer) Append(ev types.StreamEvent) Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("buffer: append after close")
	}

	f := Frame{
		LSN:   uint64(len(b.frames)) + 1,
		Event: ev,
		Time:  time.Now(),
	}
	b.frames = append(b.frames, f)
	b.wake()
	return f
}

// Close marks the writer as finished. A nil err means completed; non-nil
// means errored. Either way the frames stay readable. Close is idempotent.
func (b *TokenBuffer) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.wake()
}

// wake releases all suspended readers. Callers must hold b.mu.
func (b *TokenBuffer) wake() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Closed reports whether the writer has finished, and its error if any.
func (b *TokenBuffer) Closed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed, b.err
}

// Len returns the number of frames appended so far.
func (b *TokenBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// LastLSN returns the highest LSN appended, or 0 for an empty buffer.
func (b *TokenBuffer) LastLSN() uint64 {
	return uint64(b.Len())
}

// ReadFrom returns a reader positioned after the given LSN: the reader
// yields every frame with lsn > after, in order, suspending while it is
// caught up with an unfinished writer.
func (b *TokenBuffer) ReadFrom(after uint64) *Reader {
	return &Reader{buf: b, next: after}
}

// Reader is a pull-style cursor over a TokenBuffer. It is the suspend-
// on-empty iteration primitive consumed by both the transport bridge
// and any in-process composition.
//
// A Reader is not safe for concurrent use; create one per consumer.
type Reader struct {
	buf  *TokenBuffer
	next uint64 // LSN of the last frame already delivered
}

// Next returns the next frame. ok is false when the writer has finished
// and every frame has been delivered; err is non-nil when the context is
// done or the writer finished with an error (after all frames were
// delivered).
func (r *Reader) Next(ctx context.Context) (Frame, bool, error) {
	for {
		r.buf.mu.Lock()
		// Compare in uint64 space: converting the cursor to int would
		// wrap negative for huge client-supplied offsets.
		if r.next < uint64(len(r.buf.frames)) {
			f := r.buf.frames[int(r.next)]
			r.buf.mu.Unlock()
			r.next = f.LSN
			return f, true, nil
		}
		if r.buf.closed {
			err := r.buf.err
			r.buf.mu.Unlock()
			return Frame{}, false, err
		}
		changed := r.buf.changed
		r.buf.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Frame{}, false, ctx.Err()
		}
	}
}
