package domain

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by operations that refuse to create a session lazily.
var ErrSessionNotFound = errors.New("session not found")

// ErrEmptySessionID is returned when a session-scoped call has no session id.
var ErrEmptySessionID = errors.New("session id is required")

// ErrInvalidSegment wraps ingress payloads that fail validation.
var ErrInvalidSegment = errors.New("invalid segment")

// CaptureError reports that the audio device became unavailable. It terminates the
// pipeline instance that owns the device.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// TranscriberError reports a failed transcription. Permanent errors (auth, config) are
// only raised at startup; everything else drops the current window.
type TranscriberError struct {
	Engine    string
	WindowSeq uint64
	Permanent bool
	Err       error
}

func (e *TranscriberError) Error() string {
	return fmt.Sprintf("transcriber %s window %d: %v", e.Engine, e.WindowSeq, e.Err)
}

func (e *TranscriberError) Unwrap() error { return e.Err }

// TranslationError reports that a segment could not be translated within the retry budget.
type TranslationError struct {
	Attempts int
	Err      error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// DistributionError reports a push failure to one subscriber.
type DistributionError struct {
	SessionID string
	ClientID  string
	Err       error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("distribute session %s to client %s: %v", e.SessionID, e.ClientID, e.Err)
}

func (e *DistributionError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a transcriber error that retrying cannot fix.
func IsPermanent(err error) bool {
	var te *TranscriberError
	return errors.As(err, &te) && te.Permanent
}
