package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
)

type memLog struct {
	mu       sync.Mutex
	segments map[string][]entities.TranscriptSegment
	failNext bool
	loads    int
}

func newMemLog() *memLog {
	return &memLog{segments: make(map[string][]entities.TranscriptSegment)}
}

func (l *memLog) Append(ctx context.Context, seg entities.TranscriptSegment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return errors.New("disk full")
	}
	l.segments[seg.SessionID] = append(l.segments[seg.SessionID], seg)
	return nil
}

func (l *memLog) Load(ctx context.Context, sessionID string) ([]entities.TranscriptSegment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	return append([]entities.TranscriptSegment{}, l.segments[sessionID]...), nil
}

func (l *memLog) Delete(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.segments, sessionID)
	return nil
}

func (l *memLog) Close(ctx context.Context) error { return nil }

type recordingListener struct {
	mu       sync.Mutex
	seqs     []uint64
	partials []string
}

func (r *recordingListener) SegmentAppended(seg entities.TranscriptSegment) {
	r.mu.Lock()
	r.seqs = append(r.seqs, seg.SequenceNo)
	r.mu.Unlock()
}

func (r *recordingListener) PartialUpdated(sessionID string, p entities.PartialTranscript) {
	r.mu.Lock()
	r.partials = append(r.partials, p.Text)
	r.mu.Unlock()
}

func input(text string, start float64) entities.SegmentInput {
	return entities.SegmentInput{
		RawText:      text,
		StartTime:    start,
		EndTime:      start + 1,
		Translations: map[string]string{"en": text},
	}
}

func TestAppendAssignsContiguousSequence(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		seg, err := s.Append(ctx, "demo", input(fmt.Sprintf("segment %d", i), float64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seg.SequenceNo)
		assert.NotEmpty(t, seg.Ref)
	}

	all, err := s.ReadAll(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, seg := range all {
		assert.Equal(t, uint64(i+1), seg.SequenceNo)
	}
}

func TestReadersNeverObserveHoles(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()
	const total = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				segs, _ := s.ReadAll(ctx, "demo")
				for i, seg := range segs {
					if seg.SequenceNo != uint64(i+1) {
						errs <- fmt.Errorf("hole at index %d: seq %d", i, seg.SequenceNo)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		_, err := s.Append(ctx, "demo", input("x", float64(i)))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	_, err := s.Append(ctx, "demo", input("first", 1))
	require.NoError(t, err)
	seg, err := s.Append(ctx, "demo", entities.SegmentInput{
		RawText:       "hello world",
		CorrectedText: "Hello, world",
		StartTime:     10.0,
		EndTime:       11.2,
		Translations:  map[string]string{"en": "hello world", "ja": "こんにちは世界"},
		Keywords:      []string{"g0v"},
	})
	require.NoError(t, err)

	all, err := s.ReadAll(ctx, "demo")
	require.NoError(t, err)
	tail, err := s.ReadTail(ctx, "demo", seg.SequenceNo-1)
	require.NoError(t, err)

	require.Len(t, tail, 1)
	assert.Equal(t, seg, all[len(all)-1])
	assert.Equal(t, seg, tail[0])
}

func TestReadTailRecoversMissedSegments(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Append(ctx, "demo", input(fmt.Sprintf("s%d", i), float64(i)))
		require.NoError(t, err)
	}

	tail, err := s.ReadTail(ctx, "demo", 2)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{tail[0].SequenceNo, tail[1].SequenceNo, tail[2].SequenceNo})

	none, err := s.ReadTail(ctx, "demo", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReadUnknownSessionIsEmptyAndDoesNotCreate(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	all, err := s.ReadAll(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.NotNil(t, all)

	_, ok, err := s.Info(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.List())
}

func TestAttachCreatesSessionAndDeliversBacklog(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	var got []entities.TranscriptSegment
	require.NoError(t, s.Attach(ctx, "early", -1, func(b []entities.TranscriptSegment) { got = b }))
	assert.Empty(t, got)
	_, ok, _ := s.Info(ctx, "early")
	assert.True(t, ok, "subscribe must create the session lazily")

	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, "early", input("x", float64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Attach(ctx, "early", 1, func(b []entities.TranscriptSegment) { got = b }))
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].SequenceNo)
}

func TestListenersSeeAppendOrder(t *testing.T) {
	s := New(zap.NewNop())
	l := &recordingListener{}
	s.AddListener(l)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "demo", input("x", float64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.SetPartial(ctx, "demo", entities.PartialTranscript{Text: "typing"}))

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, l.seqs)
	assert.Equal(t, []string{"typing"}, l.partials)

	info, ok, err := s.Info(ctx, "demo")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, info.Partial)
	assert.Equal(t, "typing", info.Partial.Text)
	assert.Equal(t, 5, info.SegmentCount, "partials are not appended")
}

func TestDurableFailureConsumesNoSequence(t *testing.T) {
	log := newMemLog()
	s := New(zap.NewNop(), WithSegmentLog(log))
	ctx := context.Background()

	_, err := s.Append(ctx, "demo", input("one", 1))
	require.NoError(t, err)

	log.failNext = true
	_, err = s.Append(ctx, "demo", input("two", 2))
	require.Error(t, err)

	seg, err := s.Append(ctx, "demo", input("two again", 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seg.SequenceNo)

	all, _ := s.ReadAll(ctx, "demo")
	assert.Len(t, all, 2)
}

func TestReleaseDormantAndRehydrate(t *testing.T) {
	log := newMemLog()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	s := New(zap.NewNop(), WithSegmentLog(log), WithClock(clock))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, "idle", input("x", float64(i)))
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, "watched", input("x", 1))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	released := s.ReleaseDormant(time.Hour, func(id string) bool { return id == "watched" })
	assert.Equal(t, 1, released)
	assert.Len(t, s.List(), 1)

	all, err := s.ReadAll(ctx, "idle")
	require.NoError(t, err)
	require.Len(t, all, 3, "released history is served again from the log")

	seg, err := s.Append(ctx, "idle", input("x", 4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seg.SequenceNo)
}

func TestReleaseDormantKeepsMemoryOnlyHistory(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()
	_, err := s.Append(ctx, "demo", input("x", 1))
	require.NoError(t, err)

	assert.Equal(t, 0, s.ReleaseDormant(0, nil))
	all, _ := s.ReadAll(ctx, "demo")
	assert.Len(t, all, 1)
}

func TestDrop(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	err := s.Drop(ctx, "nobody")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))

	_, err = s.Append(ctx, "demo", input("x", 1))
	require.NoError(t, err)
	require.NoError(t, s.Drop(ctx, "demo"))

	all, _ := s.ReadAll(ctx, "demo")
	assert.Empty(t, all)

	seg, err := s.Append(ctx, "demo", input("fresh", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seg.SequenceNo, "a new session starts over")
}

func TestCancelledWritesDoNotRecreateSession(t *testing.T) {
	s := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Append(ctx, "demo", input("late", 1))
	assert.ErrorIs(t, err, context.Canceled)
	err = s.SetPartial(ctx, "demo", entities.PartialTranscript{Text: "late"})
	assert.ErrorIs(t, err, context.Canceled)

	_, ok, err := s.Info(context.Background(), "demo")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.List())
}

func TestReadsReturnIndependentCopies(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	appended, err := s.Append(ctx, "demo", entities.SegmentInput{
		RawText:      "hello",
		StartTime:    1,
		EndTime:      2,
		Translations: map[string]string{"en": "hello"},
		Keywords:     []string{"g0v"},
	})
	require.NoError(t, err)
	appended.Translations["en"] = "changed by appender"
	appended.Keywords[0] = "changed"

	all, err := s.ReadAll(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, all, 1)
	all[0].Translations["en"] = "changed by reader"
	all[0].Keywords[0] = "changed"

	tail, err := s.ReadTail(ctx, "demo", 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	tail[0].Translations["ja"] = "added"

	last, err := s.ReadLast(ctx, "demo", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, map[string]string{"en": "hello"}, last[0].Translations)
	assert.Equal(t, []string{"g0v"}, last[0].Keywords)

	require.NoError(t, s.Attach(ctx, "demo", 0, func(backlog []entities.TranscriptSegment) {
		require.Len(t, backlog, 1)
		assert.Equal(t, "hello", backlog[0].Translations["en"])
	}))
}

func TestConfigureFiltersUnknownLanguages(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Configure(ctx, "demo", []string{"en", "ja"}))

	seg, err := s.Append(ctx, "demo", entities.SegmentInput{
		RawText:      "hi",
		Translations: map[string]string{"en": "hi", "fr": "salut"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"en": "hi"}, seg.Translations)

	info, _, _ := s.Info(ctx, "demo")
	assert.Equal(t, []string{"en", "ja"}, info.TargetLanguages)
}

func TestRecentContextUsesCorrectedText(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()
	_, _ = s.Append(ctx, "demo", entities.SegmentInput{RawText: "a"})
	_, _ = s.Append(ctx, "demo", entities.SegmentInput{RawText: "b", CorrectedText: "B"})
	_, _ = s.Append(ctx, "demo", entities.SegmentInput{RawText: "c"})

	texts, err := s.RecentContext(ctx, "demo", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "c"}, texts)
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	_, err := s.Append(ctx, "", input("x", 1))
	assert.Error(t, err)

	_, err = s.Append(ctx, "demo", entities.SegmentInput{RawText: "x", StartTime: 2, EndTime: 1})
	assert.Error(t, err)
}

func TestCleanupServiceRunOnce(t *testing.T) {
	log := newMemLog()
	now := time.Unix(1_700_000_000, 0)
	s := New(zap.NewNop(), WithSegmentLog(log), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_, err := s.Append(ctx, "demo", input("x", 1))
	require.NoError(t, err)

	evicter := &countingEvicter{}
	svc := NewCleanupService(s, -time.Second, time.Minute, nil, zap.NewNop(), evicter)
	svc.RunOnce()

	assert.Equal(t, 1, evicter.calls)
	assert.Empty(t, s.List())
}

type countingEvicter struct{ calls int }

func (c *countingEvicter) EvictExpired() int {
	c.calls++
	return 0
}
