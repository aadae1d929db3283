package session

import (
	"context"
	"sort"
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
)

// janitor periodically evicts released sessions: first everything past
// its idle TTL, then (if still over MaxSessions) the longest-idle
// released sessions. Sessions with live references or a running writer
// are never evicted.
func (r *Registry) janitor(ctx context.Context) {
	defer close(r.janitorDone)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	var evicted []string

	r.mu.Lock()
	type idle struct {
		id     string
		idleAt time.Time
	}
	var candidates []idle
	for id, e := range r.sessions {
		if e.refCount > 0 || e.status == StatusRunning {
			continue
		}
		if now.Sub(e.idleAt) >= r.cfg.IdleTTL {
			delete(r.sessions, id)
			evicted = append(evicted, id)
			continue
		}
		candidates = append(candidates, idle{id: id, idleAt: e.idleAt})
	}

	if over := len(r.sessions) - r.cfg.MaxSessions; over > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].idleAt.Before(candidates[j].idleAt)
		})
		for i := 0; i < over && i < len(candidates); i++ {
			delete(r.sessions, candidates[i].id)
			evicted = append(evicted, candidates[i].id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		logging.Debug().Str("sessionID", id).Msg("session evicted")
		event.Publish(event.Event{
			Type: event.SessionEvicted,
			Data: event.SessionData{SessionID: id},
		})
	}
}
