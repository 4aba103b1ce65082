package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/internal/api"
	"github.com/opentranslive/server/internal/auth"
	"github.com/opentranslive/server/internal/store"
	"github.com/opentranslive/server/internal/websocket"
	"github.com/opentranslive/server/usecase"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) (string, *store.Store, *usecase.TranscriptionService) {
	t.Helper()
	logger := zap.NewNop()
	st := store.New(logger)
	svc := usecase.NewTranscriptionService(st, nil, usecase.ServiceConfig{}, logger)
	hub := websocket.NewHub(st, svc, time.Hour, logger)
	st.AddListener(hub)
	svc.SetRooms(hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	e := echo.New()
	api.InitRoutes(e, hub, svc, issuer, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv.URL, st, svc
}

func appendSegment(t *testing.T, st *store.Store, sessionID, text string, translations map[string]string) {
	t.Helper()
	_, err := st.Append(context.Background(), sessionID, entities.SegmentInput{
		StartTime:    1,
		EndTime:      2,
		RawText:      text,
		Translations: translations,
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)
}

func TestWatcherReplaysFollowsAndStopsOnTeardown(t *testing.T) {
	url, st, svc := startServer(t)
	appendSegment(t, st, "lecture-1", "hello", map[string]string{"ja": "こんにちは"})

	out := &syncBuffer{}
	w := &watcher{serverURL: url, sessionID: "lecture-1", out: out, lastSeen: 0, logger: zap.NewNop()}

	done := make(chan error, 1)
	go func() { done <- w.run(context.Background()) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "#1 [1.00-2.00] hello")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "    ja: こんにちは")

	appendSegment(t, st, "lecture-1", "world", nil)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "#2 [1.00-2.00] world")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Teardown(context.Background(), "lecture-1"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after teardown")
	}
}

func TestWatcherCancel(t *testing.T) {
	url, _, _ := startServer(t)
	w := &watcher{serverURL: url, sessionID: "lecture-1", out: &syncBuffer{}, lastSeen: -1, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestWatcherPrintSkipsSeenSegments(t *testing.T) {
	out := &syncBuffer{}
	w := &watcher{out: out, asJSON: true, lastSeen: 1, logger: zap.NewNop()}

	require.NoError(t, w.print(entities.TranscriptSegment{SequenceNo: 1, RawText: "old"}))
	require.NoError(t, w.print(entities.TranscriptSegment{SequenceNo: 2, RawText: "new"}))
	require.NoError(t, w.print(entities.TranscriptSegment{SequenceNo: 2, RawText: "new"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"message":"new"`)
	assert.Equal(t, int64(2), w.lastSeen)
}

func TestWatcherHandleErrorEvent(t *testing.T) {
	w := &watcher{out: &syncBuffer{}, logger: zap.NewNop()}
	done, err := w.handle(context.Background(), []byte(`{"type":"error","error_code":"join_failed","message":"failed to join session"}`))
	assert.True(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join_failed")

	done, err = w.handle(context.Background(), []byte(`not json`))
	assert.False(t, done)
	require.NoError(t, err)
}
