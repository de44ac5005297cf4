package types

import (
	"errors"
	"strings"
)

// SessionMeta identifies one interactive session or CLI invocation.
// Every log line and journal record carries it.
type SessionMeta struct {
	// SessionID is the canonical session identifier.
	SessionID string
	// WorkerID is set inside worker processes only.
	WorkerID *string
}

// Validate checks the session metadata.
func (m *SessionMeta) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return errors.New("session_id must not be empty")
	}
	if m.WorkerID != nil && strings.TrimSpace(*m.WorkerID) == "" {
		return errors.New("worker_id must not be empty when set")
	}
	return nil
}
