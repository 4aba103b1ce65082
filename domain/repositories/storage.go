package repositories

import (
	"context"
	"time"

	"github.com/opentranslive/server/domain/entities"
)

// SegmentLog is a durable backing store behind the Session Store's append contract.
// Append is called with the sequence number already assigned and must fail rather than
// store a duplicate (session_id, sequence_no).
type SegmentLog interface {
	Append(ctx context.Context, segment entities.TranscriptSegment) error
	Load(ctx context.Context, sessionID string) ([]entities.TranscriptSegment, error)
	Delete(ctx context.Context, sessionID string) error
	Close(ctx context.Context) error
}

// TimeOffsetProvider resolves when a linked video stream started, used to align segment
// times with playback position.
type TimeOffsetProvider interface {
	StreamStartTime(ctx context.Context, videoID string) (time.Time, error)
}
