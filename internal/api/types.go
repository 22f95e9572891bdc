package api

// Platform bridge states.
const (
	PlatformReady        = "ready"
	PlatformStarting     = "starting"
	PlatformDisconnected = "disconnected"
)

// PlatformStatusResponse from GET /platforms/{platform}/status
type PlatformStatusResponse struct {
	Platform  string `json:"platform"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`               // "ready", "starting", "disconnected"
	LastSeen  string `json:"last_seen,omitempty"` // ISO 8601
	Message   string `json:"message,omitempty"`   // Human-readable detail when not ready
}

// Ready reports whether the bridge can take a session.
func (s *PlatformStatusResponse) Ready() bool {
	return s.Connected && (s.State == "" || s.State == PlatformReady)
}
