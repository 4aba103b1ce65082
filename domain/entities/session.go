package entities

import (
	"errors"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusDormant SessionStatus = "dormant"
)

// PartialTranscript is the in-progress text of the current utterance. It is pushed to
// subscribers but never appended.
type PartialTranscript struct {
	Text      string    `json:"message"`
	StartTime float64   `json:"start_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionInfo is the metadata view of a session served to viewers.
type SessionInfo struct {
	SessionID       string             `json:"session_id"`
	Status          SessionStatus      `json:"status"`
	TargetLanguages []string           `json:"target_languages,omitempty"`
	SegmentCount    int                `json:"segment_count"`
	LastSequenceNo  uint64             `json:"last_sequence_no"`
	StreamStartTime *float64           `json:"stream_start_time,omitempty"`
	Partial         *PartialTranscript `json:"partial,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastActiveAt    time.Time          `json:"last_active_at"`
}

// ValidateSessionID rejects ids that cannot be used as a room or storage key.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}
	if len(id) > 128 {
		return errors.New("session id must be at most 128 characters")
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return errors.New("session id contains invalid characters")
	}
	return nil
}

// IsDormant reports whether the session has been idle for longer than ttl.
func (s SessionInfo) IsDormant(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActiveAt) > ttl
}
