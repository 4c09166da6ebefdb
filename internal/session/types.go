package session

import "time"

// StartRequest is the body of a session start. An empty id asks the server
// to pick one.
type StartRequest struct {
	SessionID string `json:"session_id"`
}

// StartResponse returns session metadata to API clients.
type StartResponse struct {
	SessionID       string    `json:"session_id"`
	WorkDir         string    `json:"work_dir"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

func NewStartResponse(s *Session, inactivityTTL time.Duration) StartResponse {
	return StartResponse{
		SessionID:       s.ID,
		WorkDir:         s.WorkDir,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		LastActivityAt:  s.LastActivityAt,
		InactivityTTLMS: inactivityTTL.Milliseconds(),
	}
}
