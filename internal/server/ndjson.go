package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/session"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// streamSession bridges a session buffer to one NDJSON response: it
// replays frames after the client's last seen position, then follows
// the live tail until the buffer closes or the client goes away.
//
// The handle is released exactly once no matter how the response ends:
// normal completion, writer error or client disconnect all funnel into
// the same deferred cleanup.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, h *session.Handle, after uint64) {
	var cleanup sync.Once
	release := func() { cleanup.Do(h.Release) }
	defer release()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(types.HeaderSessionID, h.SessionID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)

	reader := h.Buffer.ReadFrom(after)
	terminalSeen := false
	for {
		f, ok, err := reader.Next(r.Context())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Client disconnect; the writer keeps running.
				return
			}
			if !terminalSeen {
				// The writer failed without a terminal event in the
				// log. Surface it as a well-formed final line; lsn 0
				// marks the line as out of band.
				writeFrame(enc, rc, types.WireFrame{
					Event: types.StreamEvent{
						Type:  types.EventError,
						Error: &types.ErrorInfo{Message: err.Error(), Recoverable: false},
					},
				})
			}
			return
		}
		if !ok {
			return
		}

		switch f.Event.Type {
		case types.EventComplete, types.EventError,
			types.EventElicitRequest, types.EventConversationState:
			terminalSeen = true
		}

		if werr := writeFrame(enc, rc, types.WireFrame{LSN: f.LSN, Event: f.Event}); werr != nil {
			logging.Debug().Str("sessionID", h.SessionID).Err(werr).Msg("ndjson write failed")
			return
		}
	}
}

// writeFrame writes one NDJSON line and flushes it to the client.
func writeFrame(enc *json.Encoder, rc *http.ResponseController, frame types.WireFrame) error {
	if err := enc.Encode(frame); err != nil {
		return err
	}
	return rc.Flush()
}
