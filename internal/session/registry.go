// Package session owns the registry of live chat sessions: one durable
// event buffer per session id, a single writer task per session, and a
// refcounted reader lifecycle with idle eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/buffer"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// ErrReleaseWithoutAcquire is returned when Release is called for an
// unknown session or one whose refcount is already zero. Acquire and
// Release must be strictly paired by every caller.
var ErrReleaseWithoutAcquire = errors.New("session: release without matching acquire")

// Status describes the state of a session's writer.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// Source is a pull stream of events to be drained into a session
// buffer. The engine's Stream satisfies it. ok=false ends the stream;
// a non-nil error marks the session errored.
type Source interface {
	Next(ctx context.Context) (types.StreamEvent, bool, error)
}

// entry is one registered session.
type entry struct {
	buf      *buffer.TokenBuffer
	status   Status
	refCount int
	cancel   context.CancelFunc // aborts the writer; nil for sourceless sessions
	idleAt   time.Time          // set when refCount drops to 0
	done     chan struct{}      // closed when the writer finishes
}

// Config controls buffer retention for released sessions.
type Config struct {
	// IdleTTL is how long a refcount-0 session's buffer survives for
	// late reconnects before eviction.
	IdleTTL time.Duration

	// MaxSessions caps the total retained sessions; the longest-idle
	// refcount-0 sessions are evicted first when the cap is exceeded.
	MaxSessions int

	// SweepInterval is how often the janitor scans for evictable sessions.
	SweepInterval time.Duration
}

// DefaultConfig returns the default retention policy.
func DefaultConfig() Config {
	return Config{
		IdleTTL:       5 * time.Minute,
		MaxSessions:   1024,
		SweepInterval: 30 * time.Second,
	}
}

// Registry owns all session buffers. All access to a session's buffer
// goes through Acquire/Release so the registry remains free to swap the
// in-memory buffer store for a persistent one.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	cfg      Config

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// NewRegistry creates a registry and starts its eviction janitor.
func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	r := &Registry{
		sessions: make(map[string]*entry),
		cfg:      cfg,
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.stopJanitor = cancel
	r.janitorDone = make(chan struct{})
	go r.janitor(ctx)

	return r
}

// Handle is the result of an Acquire: read access to the session buffer
// plus the paired release.
type Handle struct {
	SessionID string
	Buffer    *buffer.TokenBuffer

	reg      *Registry
	released sync.Once
}

// Release returns the handle's reference. Safe to call once per handle;
// a second call is a no-op (the Once guards the scoped-resource
// discipline on shared exit paths).
func (h *Handle) Release() {
	h.released.Do(func() {
		if err := h.reg.Release(h.SessionID); err != nil {
			logging.Warn().Str("sessionID", h.SessionID).Err(err).Msg("handle release failed")
		}
	})
}

// Acquire obtains a handle on the session, creating it if absent.
//
// On creation with a non-nil source, one background writer task is
// spawned that drains the source into the buffer until it ends, then
// marks the session completed or errored. On an existing session the
// source is ignored: the first acquire wins, and there is at most one
// writer per session, ever.
func (r *Registry) Acquire(sessionID string, source Source) (*Handle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session: empty session id")
	}

	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		e.refCount++
		r.mu.Unlock()
		if source != nil {
			logging.Debug().Str("sessionID", sessionID).Msg("source ignored: session already has a writer")
		}
		return &Handle{SessionID: sessionID, Buffer: e.buf, reg: r}, nil
	}

	e = &entry{
		buf:      buffer.New(sessionID),
		status:   StatusCompleted,
		refCount: 1,
		done:     make(chan struct{}),
	}
	if source != nil {
		e.status = StatusRunning
		writeCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		go r.drain(writeCtx, sessionID, e, source)
	} else {
		// No producer: the buffer is born closed and empty.
		e.buf.Close(nil)
		close(e.done)
	}
	r.sessions[sessionID] = e
	r.mu.Unlock()

	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionData{SessionID: sessionID, Status: string(e.status)},
	})

	return &Handle{SessionID: sessionID, Buffer: e.buf, reg: r}, nil
}

// drain is the single writer task for a session: it pulls events from
// the source and appends each to the buffer until the source ends.
//
// The drain context is deliberately decoupled from any HTTP request
// context: a disconnecting client must not kill the producer. Abort is
// the only way to cancel it.
func (r *Registry) drain(ctx context.Context, sessionID string, e *entry, source Source) {
	defer close(e.done)

	var srcErr error
	for {
		ev, ok, err := source.Next(ctx)
		if err != nil {
			srcErr = err
			break
		}
		if !ok {
			break
		}
		f := e.buf.Append(ev)
		event.Publish(event.Event{
			Type: event.FrameAppended,
			Data: event.FrameData{SessionID: sessionID, LSN: f.LSN, EventType: string(ev.Type)},
		})
	}

	e.buf.Close(srcErr)

	r.mu.Lock()
	if srcErr != nil {
		e.status = StatusErrored
	} else {
		e.status = StatusCompleted
	}
	status := e.status
	r.mu.Unlock()

	evType := event.SessionCompleted
	data := event.SessionData{SessionID: sessionID, Status: string(status)}
	if srcErr != nil {
		evType = event.SessionErrored
		data.Error = srcErr.Error()
		logging.Warn().Str("sessionID", sessionID).Err(srcErr).Msg("session writer errored")
	} else {
		logging.Debug().Str("sessionID", sessionID).Uint64("lastLSN", e.buf.LastLSN()).Msg("session writer completed")
	}
	event.Publish(event.Event{Type: evType, Data: data})
}

// Release decrements the session's refcount. The buffer is retained for
// IdleTTL after the count reaches zero, to allow late reconnects.
func (r *Registry) Release(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || e.refCount == 0 {
		return fmt.Errorf("%w: %s", ErrReleaseWithoutAcquire, sessionID)
	}

	e.refCount--
	if e.refCount == 0 {
		e.idleAt = time.Now()
	}

	event.Publish(event.Event{
		Type: event.SessionReleased,
		Data: event.SessionData{SessionID: sessionID, Status: string(e.status)},
	})
	return nil
}

// AcquireExisting attaches a reader to a session only if it is already
// registered. Unlike Acquire it never creates a session, so a resume
// racing the janitor gets a clean not-found instead of a fresh empty
// buffer under the old id.
func (r *Registry) AcquireExisting(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	e.refCount++
	return &Handle{SessionID: sessionID, Buffer: e.buf, reg: r}, true
}

// Exists reports whether a session is currently registered.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Status returns the writer status of a session.
func (r *Registry) Status(sessionID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// RefCount returns the current reference count of a session.
func (r *Registry) RefCount(sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return e.refCount, true
}

// Abort cancels a session's writer. The writer observes cancellation
// through its source (the engine turns it into a terminal "Aborted"
// error event) and the session still ends with a closed, readable buffer.
func (r *Registry) Abort(sessionID string) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: not found: %s", sessionID)
	}
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// WaitWriter blocks until the session's writer has finished. Intended
// for tests and draining shutdown paths.
func (r *Registry) WaitWriter(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: not found: %s", sessionID)
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the janitor and aborts every running writer.
func (r *Registry) Close() {
	r.stopJanitor()
	<-r.janitorDone

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.cancel != nil {
			e.cancel()
		}
	}
}
