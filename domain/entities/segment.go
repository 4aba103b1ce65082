package entities

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// TranslationStatus tells consumers why a segment's translation map looks the way it does.
type TranslationStatus string

const (
	// TranslationComplete means every target language has a translation.
	TranslationComplete TranslationStatus = "complete"
	// TranslationPartial means some target languages came back empty; see MissingLanguages.
	TranslationPartial TranslationStatus = "partial"
	// TranslationUnavailable means translation failed and Translations is empty.
	TranslationUnavailable TranslationStatus = "unavailable"
	// TranslationSkipped means there was nothing to translate.
	TranslationSkipped TranslationStatus = "skipped"
)

// SegmentInput is a finalized segment before the Session Store assigns its sequence number.
type SegmentInput struct {
	StartTime         float64
	EndTime           float64
	RawText           string
	CorrectedText     string
	Translations      map[string]string
	Keywords          []string
	TranslationStatus TranslationStatus
	MissingLanguages  []string
	CreatedAt         time.Time
}

// TranscriptSegment is one appended, immutable unit of a session transcript.
// SequenceNo is the only ordering key; timestamps are informational.
type TranscriptSegment struct {
	SessionID         string            `json:"session_id" bson:"session_id"`
	SequenceNo        uint64            `json:"sequence_no" bson:"sequence_no"`
	Ref               string            `json:"ref" bson:"ref"`
	StartTime         float64           `json:"start_time" bson:"start_time"`
	EndTime           float64           `json:"end_time" bson:"end_time"`
	RawText           string            `json:"message" bson:"message"`
	CorrectedText     string            `json:"corrected,omitempty" bson:"corrected,omitempty"`
	Translations      map[string]string `json:"translated" bson:"translated"`
	Keywords          []string          `json:"special_keywords" bson:"special_keywords"`
	TranslationStatus TranslationStatus `json:"translation_status" bson:"translation_status"`
	MissingLanguages  []string          `json:"missing_languages,omitempty" bson:"missing_languages,omitempty"`
	CreatedAt         time.Time         `json:"created_at" bson:"created_at"`
}

// Validate checks the invariants an input must hold before it can be appended.
func (in SegmentInput) Validate() error {
	if in.EndTime < in.StartTime {
		return errors.New("end_time must not be before start_time")
	}
	if strings.TrimSpace(in.RawText) == "" && strings.TrimSpace(in.CorrectedText) == "" {
		return errors.New("message is required")
	}
	return nil
}

// Clone returns a copy of s that shares no map or slice with it.
func (s TranscriptSegment) Clone() TranscriptSegment {
	c := s
	if s.Translations != nil {
		c.Translations = make(map[string]string, len(s.Translations))
		for lang, text := range s.Translations {
			c.Translations[lang] = text
		}
	}
	if s.Keywords != nil {
		c.Keywords = append(make([]string, 0, len(s.Keywords)), s.Keywords...)
	}
	if s.MissingLanguages != nil {
		c.MissingLanguages = append(make([]string, 0, len(s.MissingLanguages)), s.MissingLanguages...)
	}
	return c
}

// NewSegment builds the stored form of an input. The caller supplies the sequence number
// and storage reference.
func NewSegment(sessionID string, seq uint64, ref string, in SegmentInput) TranscriptSegment {
	translations := make(map[string]string, len(in.Translations))
	for lang, text := range in.Translations {
		translations[lang] = text
	}
	keywords := append([]string{}, in.Keywords...)
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := in.TranslationStatus
	if status == "" {
		status = InferTranslationStatus(in.RawText, translations)
	}
	var missing []string
	if len(in.MissingLanguages) > 0 {
		missing = append(missing, in.MissingLanguages...)
	}
	return TranscriptSegment{
		SessionID:         sessionID,
		SequenceNo:        seq,
		Ref:               ref,
		StartTime:         in.StartTime,
		EndTime:           in.EndTime,
		RawText:           in.RawText,
		CorrectedText:     in.CorrectedText,
		Translations:      translations,
		Keywords:          keywords,
		TranslationStatus: status,
		MissingLanguages:  missing,
		CreatedAt:         createdAt.UTC(),
	}
}

// ContextText is the text used as translation context: corrected when present, raw otherwise.
func (s TranscriptSegment) ContextText() string {
	if strings.TrimSpace(s.CorrectedText) != "" {
		return s.CorrectedText
	}
	return s.RawText
}

// Languages returns the translated language codes in a stable order.
func (s TranscriptSegment) Languages() []string {
	langs := make([]string, 0, len(s.Translations))
	for lang := range s.Translations {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// InferTranslationStatus guesses a status for producers that did not send one.
func InferTranslationStatus(text string, translations map[string]string) TranslationStatus {
	if strings.TrimSpace(text) == "" {
		return TranslationSkipped
	}
	if len(translations) == 0 {
		return TranslationUnavailable
	}
	for _, v := range translations {
		if v == "" {
			return TranslationPartial
		}
	}
	return TranslationComplete
}

// AlignToVideo shifts segment times from epoch seconds to seconds since the video's
// stream start. Segments before the start clamp to zero.
func AlignToVideo(s TranscriptSegment, streamStart time.Time) TranscriptSegment {
	base := float64(streamStart.UnixNano()) / float64(time.Second)
	s.StartTime = clampZero(s.StartTime - base)
	s.EndTime = clampZero(s.EndTime - base)
	return s
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
