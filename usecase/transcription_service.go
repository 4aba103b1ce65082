package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
	"github.com/opentranslive/server/internal/cache"
)

const (
	// DefaultPullLimit is how many recent segments a pull returns without ?all or ?limit.
	DefaultPullLimit = 100

	defaultStartTimeTTL = time.Hour
	defaultProducerStop = 10 * time.Second
	lookupTimeout       = 10 * time.Second
)

// SessionStore is the part of the Session Store the service drives.
type SessionStore interface {
	Append(ctx context.Context, sessionID string, in entities.SegmentInput) (entities.TranscriptSegment, error)
	SetPartial(ctx context.Context, sessionID string, partial entities.PartialTranscript) error
	ReadAll(ctx context.Context, sessionID string) ([]entities.TranscriptSegment, error)
	ReadTail(ctx context.Context, sessionID string, lastSeen uint64) ([]entities.TranscriptSegment, error)
	ReadLast(ctx context.Context, sessionID string, n int) ([]entities.TranscriptSegment, error)
	Info(ctx context.Context, sessionID string) (entities.SessionInfo, bool, error)
	Drop(ctx context.Context, sessionID string) error
}

// RoomCloser ends the real-time room of a session.
type RoomCloser interface {
	CloseSession(sessionID string)
}

// SegmentQuery selects which part of a history a pull returns.
type SegmentQuery struct {
	// All returns the full history and ignores Limit.
	All bool
	// After, when set, returns only segments with a greater sequence number.
	After *uint64
	// Limit caps the result. Zero means DefaultPullLimit.
	Limit int
	// AlignToVideo rewrites times as offsets into the linked video, when one is known.
	AlignToVideo bool
}

// ServiceConfig tunes the service.
type ServiceConfig struct {
	// MetadataTTL is the idle time after which a session reports as dormant.
	MetadataTTL time.Duration
	// StartTimeTTL bounds how long a resolved stream start time is reused.
	StartTimeTTL time.Duration
	// ProducerStopTimeout bounds how long teardown waits for a cancelled in-process
	// producer before dropping the session.
	ProducerStopTimeout time.Duration
}

type producerHandle struct {
	cancel  context.CancelFunc
	stopped <-chan struct{}
}

// TranscriptionService is the application layer between transports and the Session Store:
// ingress of producer segments and partials, pulls, session metadata and teardown.
type TranscriptionService struct {
	store   SessionStore
	offsets repositories.TimeOffsetProvider
	cfg     ServiceConfig
	logger  *zap.Logger
	now     func() time.Time

	starts  *cache.TTL[string, time.Time]
	lookups singleflight.Group

	mu        sync.Mutex
	rooms     RoomCloser
	videos    map[string]string
	producers map[string]*producerHandle
}

// NewTranscriptionService creates the service. offsets may be nil when no YouTube key is
// configured.
func NewTranscriptionService(store SessionStore, offsets repositories.TimeOffsetProvider, cfg ServiceConfig, logger *zap.Logger) *TranscriptionService {
	if cfg.StartTimeTTL <= 0 {
		cfg.StartTimeTTL = defaultStartTimeTTL
	}
	if cfg.ProducerStopTimeout <= 0 {
		cfg.ProducerStopTimeout = defaultProducerStop
	}
	return &TranscriptionService{
		store:     store,
		offsets:   offsets,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		starts:    cache.NewTTL[string, time.Time](),
		videos:    make(map[string]string),
		producers: make(map[string]*producerHandle),
	}
}

// SetRooms connects the distributor so teardown can close rooms. The hub needs the service
// as its ingress, so this is set after both exist.
func (s *TranscriptionService) SetRooms(rooms RoomCloser) {
	s.mu.Lock()
	s.rooms = rooms
	s.mu.Unlock()
}

// Sync handles one producer submission. Partial submissions update the session's
// in-progress text and are never appended.
func (s *TranscriptionService) Sync(ctx context.Context, req domain.SyncRequest) (domain.SyncResponse, error) {
	sessionID := req.Target()
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return domain.SyncResponse{}, fmt.Errorf("%w: %v", domain.ErrInvalidSegment, err)
	}

	if req.Partial {
		partial := entities.PartialTranscript{
			Text:      req.Message,
			StartTime: req.StartTime,
			UpdatedAt: s.now(),
		}
		if err := s.store.SetPartial(ctx, sessionID, partial); err != nil {
			return domain.SyncResponse{}, err
		}
		return domain.SyncResponse{Status: "success", SessionID: sessionID}, nil
	}

	in := req.ToInput(s.now())
	if err := in.Validate(); err != nil {
		return domain.SyncResponse{}, fmt.Errorf("%w: %v", domain.ErrInvalidSegment, err)
	}
	seg, err := s.store.Append(ctx, sessionID, in)
	if err != nil {
		s.logger.Error("Failed to append segment",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return domain.SyncResponse{}, err
	}
	return domain.SyncResponse{
		Status:     "success",
		SessionID:  sessionID,
		SequenceNo: seg.SequenceNo,
		Ref:        seg.Ref,
	}, nil
}

// Segments returns part of a session history. Unknown sessions yield an empty list.
func (s *TranscriptionService) Segments(ctx context.Context, sessionID string, q SegmentQuery) ([]entities.TranscriptSegment, error) {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPullLimit
	}

	var (
		segs []entities.TranscriptSegment
		err  error
	)
	switch {
	case q.After != nil:
		segs, err = s.store.ReadTail(ctx, sessionID, *q.After)
		if err == nil && !q.All && len(segs) > limit {
			segs = segs[:limit]
		}
	case q.All:
		segs, err = s.store.ReadAll(ctx, sessionID)
	default:
		segs, err = s.store.ReadLast(ctx, sessionID, limit)
	}
	if err != nil {
		return nil, err
	}

	if q.AlignToVideo {
		if start, ok := s.streamStart(ctx, sessionID); ok {
			for i := range segs {
				segs[i] = entities.AlignToVideo(segs[i], start)
			}
		}
	}
	return segs, nil
}

// Info returns session metadata, with the stream start time when the session is linked to
// a live video.
func (s *TranscriptionService) Info(ctx context.Context, sessionID string) (entities.SessionInfo, bool, error) {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return entities.SessionInfo{}, false, err
	}
	info, ok, err := s.store.Info(ctx, sessionID)
	if err != nil || !ok {
		return info, ok, err
	}
	if s.cfg.MetadataTTL > 0 && info.IsDormant(s.now(), s.cfg.MetadataTTL) {
		info.Status = entities.SessionStatusDormant
	}
	if start, ok := s.streamStart(ctx, sessionID); ok {
		ts := float64(start.UnixNano()) / float64(time.Second)
		info.StreamStartTime = &ts
	}
	return info, true, nil
}

// LinkVideo associates a session with a YouTube video id. The stream start time is
// resolved lazily and cached.
func (s *TranscriptionService) LinkVideo(sessionID, videoID string) error {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if videoID == "" {
		return errors.New("video id is required")
	}
	s.mu.Lock()
	prev := s.videos[sessionID]
	s.videos[sessionID] = videoID
	s.mu.Unlock()
	if prev != "" && prev != videoID {
		s.starts.Delete(prev)
	}
	return nil
}

func (s *TranscriptionService) streamStart(ctx context.Context, sessionID string) (time.Time, bool) {
	s.mu.Lock()
	videoID := s.videos[sessionID]
	s.mu.Unlock()
	if videoID == "" || s.offsets == nil {
		return time.Time{}, false
	}
	if start, ok := s.starts.Get(videoID); ok {
		return start, true
	}

	v, err, _ := s.lookups.Do(videoID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		start, err := s.offsets.StreamStartTime(lookupCtx, videoID)
		if err != nil {
			return nil, err
		}
		s.starts.Put(videoID, start, s.cfg.StartTimeTTL)
		return start, nil
	})
	if err != nil {
		s.logger.Warn("Failed to resolve stream start time",
			zap.String("session_id", sessionID),
			zap.String("video_id", videoID),
			zap.Error(err))
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// EvictExpired drops expired stream start times. It lets the cleanup service sweep the
// service's cache.
func (s *TranscriptionService) EvictExpired() int {
	return s.starts.EvictExpired()
}

// RegisterProducer records an in-process producer so teardown can stop it. stopped must be
// closed once the producer has returned. The returned function unregisters it.
func (s *TranscriptionService) RegisterProducer(sessionID string, cancel context.CancelFunc, stopped <-chan struct{}) func() {
	h := &producerHandle{cancel: cancel, stopped: stopped}
	s.mu.Lock()
	s.producers[sessionID] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.producers[sessionID] == h {
			delete(s.producers, sessionID)
		}
		s.mu.Unlock()
	}
}

// stopProducer cancels h and waits for it to return, so nothing it had in flight is
// appended after the session is dropped.
func (s *TranscriptionService) stopProducer(ctx context.Context, sessionID string, h *producerHandle) {
	h.cancel()
	if h.stopped == nil {
		return
	}
	timer := time.NewTimer(s.cfg.ProducerStopTimeout)
	defer timer.Stop()
	select {
	case <-h.stopped:
	case <-timer.C:
		s.logger.Warn("Producer did not stop before teardown deadline",
			zap.String("session_id", sessionID),
			zap.Duration("waited", s.cfg.ProducerStopTimeout))
	case <-ctx.Done():
		s.logger.Warn("Teardown stopped waiting for producer",
			zap.String("session_id", sessionID),
			zap.Error(ctx.Err()))
	}
}

// Teardown ends a session: an in-process producer is cancelled and awaited, its history is
// dropped and the room is closed. ErrSessionNotFound is returned when nothing was known about it.
func (s *TranscriptionService) Teardown(ctx context.Context, sessionID string) error {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	producer, producing := s.producers[sessionID]
	delete(s.producers, sessionID)
	videoID := s.videos[sessionID]
	delete(s.videos, sessionID)
	rooms := s.rooms
	s.mu.Unlock()

	if producing {
		s.stopProducer(ctx, sessionID, producer)
	}
	if videoID != "" {
		s.starts.Delete(videoID)
	}

	err := s.store.Drop(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) && producing {
		err = nil
	}
	if rooms != nil {
		rooms.CloseSession(sessionID)
	}
	if err != nil {
		return err
	}

	s.logger.Info("Session torn down",
		zap.String("session_id", sessionID),
		zap.Bool("producer_cancelled", producing))
	return nil
}
