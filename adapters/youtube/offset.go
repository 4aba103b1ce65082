// Package youtube resolves when a YouTube live stream started, so stored segment times can be
// mapped to playback offsets.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/opentranslive/server/domain/repositories"
)

// ErrNotLive is returned for videos without live streaming details.
var ErrNotLive = errors.New("video has no live stream start time")

// OffsetProvider implements repositories.TimeOffsetProvider with the YouTube Data API.
type OffsetProvider struct {
	service *yt.Service
	logger  *zap.Logger
}

var _ repositories.TimeOffsetProvider = (*OffsetProvider)(nil)

// NewOffsetProvider creates a Data API client authenticated with an API key.
func NewOffsetProvider(ctx context.Context, apiKey string, logger *zap.Logger, opts ...option.ClientOption) (*OffsetProvider, error) {
	if apiKey == "" {
		return nil, errors.New("YouTube API key is required")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	service, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube client: %w", err)
	}
	return &OffsetProvider{service: service, logger: logger}, nil
}

// StreamStartTime implements repositories.TimeOffsetProvider
func (p *OffsetProvider) StreamStartTime(ctx context.Context, videoID string) (time.Time, error) {
	resp, err := p.service.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return time.Time{}, fmt.Errorf("youtube videos.list %s: %w", videoID, err)
	}
	if len(resp.Items) == 0 {
		return time.Time{}, fmt.Errorf("video %s not found", videoID)
	}

	start, err := streamStart(resp.Items[0].LiveStreamingDetails)
	if err != nil {
		return time.Time{}, fmt.Errorf("video %s: %w", videoID, err)
	}
	p.logger.Info("Resolved stream start time",
		zap.String("video_id", videoID),
		zap.Time("stream_start", start))
	return start, nil
}

// streamStart prefers the actual start and falls back to the scheduled one.
func streamStart(details *yt.VideoLiveStreamingDetails) (time.Time, error) {
	if details == nil {
		return time.Time{}, ErrNotLive
	}
	for _, ts := range []string{details.ActualStartTime, details.ScheduledStartTime} {
		if ts == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse start time %q: %w", ts, err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, ErrNotLive
}
