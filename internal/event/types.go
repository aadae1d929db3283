package event

// SessionData accompanies session lifecycle events.
type SessionData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FrameData accompanies frame.appended events.
type FrameData struct {
	SessionID string `json:"sessionId"`
	LSN       uint64 `json:"lsn"`
	EventType string `json:"eventType"`
}
