package api

import (
	"time"

	"github.com/opentranslive/server/domain/entities"
)

// TokenRequest exchanges the server secret for a producer token
type TokenRequest struct {
	SecretKey string `json:"secret_key"`
	// Subject names the producer in logs and token claims
	Subject string `json:"subject,omitempty"`
	// SessionID optionally restricts the token to one session
	SessionID string `json:"session_id,omitempty"`
}

// TokenResponse represents the response payload for token issuance
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

// TranscriptResponse is a session history, in sequence order
type TranscriptResponse struct {
	SessionID       string                       `json:"session_id"`
	StreamStartTime *float64                     `json:"stream_start_time,omitempty"`
	Transcriptions  []entities.TranscriptSegment `json:"transcriptions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
