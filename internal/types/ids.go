package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionID is an opaque session token. IDs are uuid v4 strings and
// are never reused for the lifetime of the daemon process, so a stale
// client reference can never silently address a newer session.
type SessionID string

// NewSessionID generates a fresh session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// ParseSessionID validates a string as a session identifier.
func ParseSessionID(s string) (SessionID, error) {
	if s == "" {
		return "", fmt.Errorf("session id cannot be empty")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid session id: %w", err)
	}
	return SessionID(parsed.String()), nil
}

// String returns the string form of the id.
func (id SessionID) String() string {
	return string(id)
}

// IsZero reports whether the id is unset.
func (id SessionID) IsZero() bool {
	return id == ""
}

// MarshalJSON serializes the id as a JSON string.
func (id SessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// UnmarshalJSON deserializes and validates a JSON string id.
func (id *SessionID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal session id: %w", err)
	}
	if s == "" {
		*id = ""
		return nil
	}
	parsed, err := ParseSessionID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
