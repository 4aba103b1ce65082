package domain

import (
	"time"

	"github.com/opentranslive/server/domain/entities"
)

// SyncRequest is the ingress payload a producer submits for one finalized segment.
// The same shape arrives as the HTTP body of POST /api/sync/:id and as the websocket
// "sync" event, where ID carries the session.
type SyncRequest struct {
	ID        string                     `json:"id,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
	Message   string                     `json:"message"`
	StartTime float64                    `json:"start_time"`
	EndTime   float64                    `json:"end_time"`
	CreatedAt string                     `json:"created_at,omitempty"`
	Partial   bool                       `json:"partial,omitempty"`
	Result    SyncResult                 `json:"result"`
	Status    entities.TranslationStatus `json:"translation_status,omitempty"`
	Missing   []string                   `json:"missing_languages,omitempty"`
}

// SyncResult carries the producer-side correction and translation output.
type SyncResult struct {
	Corrected       string            `json:"corrected,omitempty"`
	Translated      map[string]string `json:"translated"`
	SpecialKeywords []string          `json:"special_keywords"`
}

// SyncResponse acknowledges a segment submission.
type SyncResponse struct {
	Status     string `json:"status"`
	SessionID  string `json:"session_id"`
	SequenceNo uint64 `json:"sequence_no,omitempty"`
	Ref        string `json:"ref,omitempty"`
}

// Target returns the session the request is addressed to.
func (r SyncRequest) Target() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.ID
}

// ToInput converts the wire request into a store input. An unparsable created_at
// falls back to the time of receipt.
func (r SyncRequest) ToInput(received time.Time) entities.SegmentInput {
	createdAt := received
	if r.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
			createdAt = t
		}
	}
	status := r.Status
	if status == "" {
		status = entities.InferTranslationStatus(r.Message, r.Result.Translated)
	}
	return entities.SegmentInput{
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
		RawText:           r.Message,
		CorrectedText:     r.Result.Corrected,
		Translations:      r.Result.Translated,
		Keywords:          r.Result.SpecialKeywords,
		TranslationStatus: status,
		MissingLanguages:  r.Missing,
		CreatedAt:         createdAt,
	}
}

// NewSyncRequest builds the wire form of a segment input for a remote server.
func NewSyncRequest(sessionID string, in entities.SegmentInput) SyncRequest {
	translated := in.Translations
	if translated == nil {
		translated = map[string]string{}
	}
	keywords := in.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return SyncRequest{
		ID:        sessionID,
		Message:   in.RawText,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		CreatedAt: in.CreatedAt.UTC().Format(time.RFC3339Nano),
		Result: SyncResult{
			Corrected:       in.CorrectedText,
			Translated:      translated,
			SpecialKeywords: keywords,
		},
		Status:  in.TranslationStatus,
		Missing: in.MissingLanguages,
	}
}
