package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client events
const (
	MessageTypeJoinSession  MessageType = "join_session"
	MessageTypeLeaveSession MessageType = "leave_session"
	MessageTypeSync         MessageType = "sync"
	MessageTypePing         MessageType = "ping"
)

// Server events
const (
	MessageTypeConnected            MessageType = "connected"
	MessageTypeJoinedSession        MessageType = "joined_session"
	MessageTypeLeftSession          MessageType = "left_session"
	MessageTypeTranscriptionUpdate  MessageType = "transcription_update"
	MessageTypeTranscriptionPartial MessageType = "transcription_partial"
	MessageTypeSyncSuccess          MessageType = "sync_success"
	MessageTypeHeartbeat            MessageType = "heartbeat"
	MessageTypePong                 MessageType = "pong"
	MessageTypeError                MessageType = "error"
	MessageTypeResyncRequired       MessageType = "resync_required"
	MessageTypeSessionClosed        MessageType = "session_closed"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

// JoinSessionMessage subscribes the connection to a session room. When LastSeenSeq is
// set, every segment after it is replayed before live updates.
type JoinSessionMessage struct {
	BaseMessage
	SessionID   string `json:"session_id"`
	LastSeenSeq *int64 `json:"last_seen_seq,omitempty"`
}

// LeaveSessionMessage unsubscribes the connection from its current room.
type LeaveSessionMessage struct {
	BaseMessage
}

// SyncMessage is a producer submitting one segment over the socket.
type SyncMessage struct {
	BaseMessage
	domain.SyncRequest
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// ConnectedMessage greets a new connection.
type ConnectedMessage struct {
	BaseMessage
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}

type JoinedSessionMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
}

type LeftSessionMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// TranscriptionUpdateMessage pushes one stored segment.
type TranscriptionUpdateMessage struct {
	BaseMessage
	SessionID string                     `json:"session_id"`
	Segment   entities.TranscriptSegment `json:"segment"`
}

// TranscriptionPartialMessage pushes the in-progress utterance. It is replaced by the next
// partial or by the final segment.
type TranscriptionPartialMessage struct {
	BaseMessage
	SessionID string                     `json:"session_id"`
	Partial   entities.PartialTranscript `json:"partial"`
}

type SyncSuccessMessage struct {
	BaseMessage
	domain.SyncResponse
}

// HeartbeatMessage tells viewers the push path is alive even when nobody is speaking.
type HeartbeatMessage struct {
	BaseMessage
}

// ResyncRequiredMessage asks the client to pull segments after LastSeenSeq over HTTP.
type ResyncRequiredMessage struct {
	BaseMessage
	SessionID   string `json:"session_id"`
	LastSeenSeq uint64 `json:"last_seen_seq"`
	Reason      string `json:"reason"`
}

type SessionClosedMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming client event.
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeJoinSession:
		var msg JoinSessionMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid join_session message: %w", err)
		}
		if err := entities.ValidateSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if msg.LastSeenSeq != nil && *msg.LastSeenSeq < 0 {
			return nil, fmt.Errorf("last_seen_seq must not be negative")
		}
		return &msg, nil

	case MessageTypeLeaveSession:
		var msg LeaveSessionMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid leave_session message: %w", err)
		}
		return &msg, nil

	case MessageTypeSync:
		var msg SyncMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid sync message: %w", err)
		}
		if msg.Message == "" && !msg.Partial {
			return nil, fmt.Errorf("message is required")
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	case "":
		return nil, fmt.Errorf("message type is required")

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{BaseMessage: newBase(MessageTypePong), Data: data}
}

func createUpdateMessage(seg entities.TranscriptSegment) *TranscriptionUpdateMessage {
	return &TranscriptionUpdateMessage{
		BaseMessage: newBase(MessageTypeTranscriptionUpdate),
		SessionID:   seg.SessionID,
		Segment:     seg,
	}
}

// encode renders msg as a text frame. event names the frame for SSE clients.
func encode(event MessageType, msg interface{}) (WriteData, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return WriteData{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return WriteData{Type: websocket.TextMessage, Event: string(event), Payload: payload}, nil
}
