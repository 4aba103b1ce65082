// Package store holds the process-wide, session-keyed transcript log. Each session has a
// single writer path and any number of readers; a segment becomes visible to readers in
// the same step that assigns its sequence number.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

// Listener is notified of every append and partial update. Calls happen while the
// session's writer lock is held, in sequence order, so implementations must not block.
type Listener interface {
	SegmentAppended(segment entities.TranscriptSegment)
	PartialUpdated(sessionID string, partial entities.PartialTranscript)
}

// Option configures a Store.
type Option func(*Store)

// WithSegmentLog backs the store with a durable log.
func WithSegmentLog(log repositories.SegmentLog) Option {
	return func(s *Store) { s.log = log }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the Session Store.
type Store struct {
	log    repositories.SegmentLog
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*session
	listeners []Listener

	hydrate singleflight.Group
}

type session struct {
	id string

	// writeMu serialises sequence assignment, durable writes and listener
	// notification for the session.
	writeMu sync.Mutex
	// released is set under writeMu once the session is no longer in the map.
	released bool

	mu         sync.RWMutex
	segments   []entities.TranscriptSegment
	partial    *entities.PartialTranscript
	targets    []string
	configured bool
	createdAt  time.Time
	lastActive time.Time
}

// New creates an in-memory store, optionally backed by a durable log.
func New(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddListener registers l for all future appends and partial updates.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Durable reports whether segment history survives release from memory.
func (s *Store) Durable() bool {
	return s.log != nil
}

// Append assigns the next sequence number to in and stores it. The session is created on
// first append. A durable write failure leaves the sequence unassigned. A cancelled ctx is
// rejected, so a producer that was stopped cannot recreate a dropped session.
func (s *Store) Append(ctx context.Context, sessionID string, in entities.SegmentInput) (entities.TranscriptSegment, error) {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return entities.TranscriptSegment{}, err
	}
	if err := ctx.Err(); err != nil {
		return entities.TranscriptSegment{}, err
	}
	if err := in.Validate(); err != nil {
		return entities.TranscriptSegment{}, fmt.Errorf("invalid segment: %w", err)
	}

	var appended entities.TranscriptSegment
	err := s.withWriter(ctx, sessionID, func(sess *session) error {
		seq := sess.lastSeq() + 1
		in.Translations = sess.filterTranslations(in.Translations, s.logger)
		seg := entities.NewSegment(sessionID, seq, uuid.NewString(), in)

		if s.log != nil {
			if err := s.log.Append(ctx, seg); err != nil {
				return fmt.Errorf("persist segment %d: %w", seq, err)
			}
		}

		sess.mu.Lock()
		sess.segments = append(sess.segments, seg)
		sess.mergeTargets(seg)
		sess.partial = nil
		sess.lastActive = s.now()
		sess.mu.Unlock()

		for _, l := range s.snapshotListeners() {
			l.SegmentAppended(seg)
		}
		appended = seg.Clone()
		return nil
	})
	if err != nil {
		return entities.TranscriptSegment{}, err
	}

	s.logger.Debug("Segment appended",
		zap.String("session_id", sessionID),
		zap.Uint64("sequence_no", appended.SequenceNo))
	return appended, nil
}

// SetPartial records the in-progress utterance text and notifies listeners. It never
// touches segment history.
func (s *Store) SetPartial(ctx context.Context, sessionID string, partial entities.PartialTranscript) error {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if partial.UpdatedAt.IsZero() {
		partial.UpdatedAt = s.now()
	}
	return s.withWriter(ctx, sessionID, func(sess *session) error {
		sess.mu.Lock()
		p := partial
		sess.partial = &p
		sess.lastActive = s.now()
		sess.mu.Unlock()

		for _, l := range s.snapshotListeners() {
			l.PartialUpdated(sessionID, partial)
		}
		return nil
	})
}

// Attach runs fn with every segment after lastSeen while the session's writer lock is
// held, so no append can slip between the backlog and the next notification. A negative
// lastSeen passes an empty backlog. The session is created if it does not exist.
func (s *Store) Attach(ctx context.Context, sessionID string, lastSeen int64, fn func(backlog []entities.TranscriptSegment)) error {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return err
	}
	return s.withWriter(ctx, sessionID, func(sess *session) error {
		var backlog []entities.TranscriptSegment
		if lastSeen >= 0 {
			backlog = sess.tail(uint64(lastSeen))
		}
		sess.mu.Lock()
		sess.lastActive = s.now()
		sess.mu.Unlock()
		fn(backlog)
		return nil
	})
}

// Configure fixes the session's target languages. Translations for other languages are
// dropped on append.
func (s *Store) Configure(ctx context.Context, sessionID string, targets []string) error {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return err
	}
	return s.withWriter(ctx, sessionID, func(sess *session) error {
		sess.mu.Lock()
		sess.targets = append([]string{}, targets...)
		sess.configured = len(targets) > 0
		sess.mu.Unlock()
		return nil
	})
}

// ReadAll returns the full history. An unknown session yields an empty result.
func (s *Store) ReadAll(ctx context.Context, sessionID string) ([]entities.TranscriptSegment, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil || sess == nil {
		return []entities.TranscriptSegment{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return cloneSegments(sess.segments), nil
}

// ReadTail returns segments with sequence_no greater than lastSeen, in order.
func (s *Store) ReadTail(ctx context.Context, sessionID string, lastSeen uint64) ([]entities.TranscriptSegment, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil || sess == nil {
		return []entities.TranscriptSegment{}, err
	}
	return sess.tail(lastSeen), nil
}

// ReadLast returns at most n of the most recent segments, in order.
func (s *Store) ReadLast(ctx context.Context, sessionID string, n int) ([]entities.TranscriptSegment, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil || sess == nil || n <= 0 {
		return []entities.TranscriptSegment{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	from := len(sess.segments) - n
	if from < 0 {
		from = 0
	}
	return cloneSegments(sess.segments[from:]), nil
}

// RecentContext returns the translation context texts of the last k segments, oldest first.
func (s *Store) RecentContext(ctx context.Context, sessionID string, k int) ([]string, error) {
	segs, err := s.ReadLast(ctx, sessionID, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(segs))
	for _, seg := range segs {
		texts = append(texts, seg.ContextText())
	}
	return texts, nil
}

// Info returns the session metadata. ok is false for unknown sessions.
func (s *Store) Info(ctx context.Context, sessionID string) (entities.SessionInfo, bool, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil || sess == nil {
		return entities.SessionInfo{}, false, err
	}
	return sess.info(), true, nil
}

// List returns metadata for every session currently held in memory.
func (s *Store) List() []entities.SessionInfo {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	infos := make([]entities.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// Drop tears a session down: history is removed from memory and from the durable log.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	if err := entities.ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.RLock()
	sess, inMemory := s.sessions[sessionID]
	s.mu.RUnlock()

	if !inMemory && s.log == nil {
		return domain.ErrSessionNotFound
	}

	if inMemory {
		sess.writeMu.Lock()
		defer sess.writeMu.Unlock()
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		sess.released = true
	}

	if s.log != nil {
		if err := s.log.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("delete session log: %w", err)
		}
	}

	s.logger.Info("Session dropped", zap.String("session_id", sessionID))
	return nil
}

// ReleaseDormant frees the memory of sessions idle for longer than ttl. Only sessions whose
// history lives in a durable log are released; they are re-hydrated on next access.
// inUse reports sessions that still have live subscribers.
func (s *Store) ReleaseDormant(ttl time.Duration, inUse func(sessionID string) bool) int {
	if s.log == nil {
		return 0
	}
	now := s.now()

	s.mu.RLock()
	candidates := make([]*session, 0)
	for _, sess := range s.sessions {
		sess.mu.RLock()
		idle := now.Sub(sess.lastActive) > ttl
		sess.mu.RUnlock()
		if idle && (inUse == nil || !inUse(sess.id)) {
			candidates = append(candidates, sess)
		}
	}
	s.mu.RUnlock()

	released := 0
	for _, sess := range candidates {
		sess.writeMu.Lock()
		sess.mu.RLock()
		stillIdle := now.Sub(sess.lastActive) > ttl
		sess.mu.RUnlock()
		if stillIdle && !sess.released {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
			sess.released = true
			released++
		}
		sess.writeMu.Unlock()
	}
	if released > 0 {
		s.logger.Info("Released dormant sessions", zap.Int("count", released))
	}
	return released
}

// withWriter runs fn under the session's writer lock, creating or re-hydrating the
// session as needed.
func (s *Store) withWriter(ctx context.Context, sessionID string, fn func(*session) error) error {
	for {
		sess, err := s.getOrCreate(ctx, sessionID)
		if err != nil {
			return err
		}
		sess.writeMu.Lock()
		if sess.released {
			sess.writeMu.Unlock()
			continue
		}
		if err := ctx.Err(); err != nil {
			sess.writeMu.Unlock()
			return err
		}
		err = fn(sess)
		sess.writeMu.Unlock()
		return err
	}
}

func (s *Store) snapshotListeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listeners
}

// lookup returns the session without creating it. With a durable log the session is
// re-hydrated when the log has history for it.
func (s *Store) lookup(ctx context.Context, sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	if s.log == nil {
		return nil, nil
	}
	return s.load(ctx, sessionID, false)
}

func (s *Store) getOrCreate(ctx context.Context, sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	if s.log != nil {
		return s.load(ctx, sessionID, true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}
	sess = s.newSession(sessionID, nil)
	s.sessions[sessionID] = sess
	s.logger.Info("Session created", zap.String("session_id", sessionID))
	return sess, nil
}

// load reads the durable history once per concurrent burst of callers.
func (s *Store) load(ctx context.Context, sessionID string, create bool) (*session, error) {
	v, err, _ := s.hydrate.Do(sessionID, func() (interface{}, error) {
		return s.log.Load(ctx, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	segments := v.([]entities.TranscriptSegment)
	if len(segments) == 0 && !create {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}
	sess := s.newSession(sessionID, segments)
	s.sessions[sessionID] = sess
	if len(segments) > 0 {
		s.logger.Info("Session hydrated from log",
			zap.String("session_id", sessionID),
			zap.Int("segments", len(segments)))
	}
	return sess, nil
}

func (s *Store) newSession(id string, segments []entities.TranscriptSegment) *session {
	now := s.now()
	sess := &session{
		id:         id,
		segments:   append([]entities.TranscriptSegment{}, segments...),
		createdAt:  now,
		lastActive: now,
	}
	if len(segments) > 0 {
		sess.createdAt = segments[0].CreatedAt
	}
	for _, seg := range segments {
		sess.mergeTargets(seg)
	}
	return sess
}

func (sess *session) lastSeq() uint64 {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if len(sess.segments) == 0 {
		return 0
	}
	return sess.segments[len(sess.segments)-1].SequenceNo
}

func (sess *session) tail(lastSeen uint64) []entities.TranscriptSegment {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	i := sort.Search(len(sess.segments), func(i int) bool {
		return sess.segments[i].SequenceNo > lastSeen
	})
	return cloneSegments(sess.segments[i:])
}

// cloneSegments copies segs deeply so callers can never mutate stored history.
func cloneSegments(segs []entities.TranscriptSegment) []entities.TranscriptSegment {
	out := make([]entities.TranscriptSegment, len(segs))
	for i, seg := range segs {
		out[i] = seg.Clone()
	}
	return out
}

// mergeTargets records languages seen on a segment when no explicit target set exists.
// Caller holds sess.mu.
func (sess *session) mergeTargets(seg entities.TranscriptSegment) {
	if sess.configured {
		return
	}
	for _, lang := range append(seg.Languages(), seg.MissingLanguages...) {
		if !contains(sess.targets, lang) {
			sess.targets = append(sess.targets, lang)
		}
	}
}

func (sess *session) filterTranslations(translations map[string]string, logger *zap.Logger) map[string]string {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if !sess.configured || len(translations) == 0 {
		return translations
	}
	filtered := make(map[string]string, len(translations))
	for lang, text := range translations {
		if contains(sess.targets, lang) {
			filtered[lang] = text
			continue
		}
		logger.Warn("Dropping translation outside target languages",
			zap.String("session_id", sess.id),
			zap.String("language", lang))
	}
	return filtered
}

func (sess *session) info() entities.SessionInfo {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	info := entities.SessionInfo{
		SessionID:       sess.id,
		Status:          entities.SessionStatusActive,
		TargetLanguages: append([]string{}, sess.targets...),
		SegmentCount:    len(sess.segments),
		CreatedAt:       sess.createdAt,
		LastActiveAt:    sess.lastActive,
	}
	if n := len(sess.segments); n > 0 {
		info.LastSequenceNo = sess.segments[n-1].SequenceNo
	}
	if sess.partial != nil {
		p := *sess.partial
		info.Partial = &p
	}
	return info
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound)
}
