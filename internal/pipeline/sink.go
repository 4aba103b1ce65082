package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
	hub "github.com/opentranslive/server/internal/websocket"
)

// SegmentAppender is the part of the session store a local sink writes to.
type SegmentAppender interface {
	Append(ctx context.Context, sessionID string, in entities.SegmentInput) (entities.TranscriptSegment, error)
	SetPartial(ctx context.Context, sessionID string, partial entities.PartialTranscript) error
}

// StoreSink delivers straight into an in-process session store.
type StoreSink struct {
	store     SegmentAppender
	sessionID string
	logger    *zap.Logger
}

func NewStoreSink(store SegmentAppender, sessionID string, logger *zap.Logger) *StoreSink {
	return &StoreSink{store: store, sessionID: sessionID, logger: logger}
}

func (s *StoreSink) Deliver(ctx context.Context, in entities.SegmentInput) error {
	seg, err := s.store.Append(ctx, s.sessionID, in)
	if err != nil {
		return err
	}
	s.logger.Debug("Segment stored",
		zap.String("session_id", s.sessionID),
		zap.Uint64("sequence_no", seg.SequenceNo))
	return nil
}

func (s *StoreSink) Partial(ctx context.Context, partial entities.PartialTranscript) error {
	return s.store.SetPartial(ctx, s.sessionID, partial)
}

// RemoteConfig points a RemoteSink at a server.
type RemoteConfig struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	// Token is a producer JWT.
	Token      string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

const defaultRemoteTimeout = 10 * time.Second

// RemoteSink submits segments to a server over its websocket sync event and falls back to
// HTTP POST /api/sync/:id when the socket is unavailable.
type RemoteSink struct {
	cfg    RemoteConfig
	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRemoteSink validates cfg. No connection is made until the first delivery.
func NewRemoteSink(cfg RemoteConfig, logger *zap.Logger) (*RemoteSink, error) {
	if err := entities.ValidateSessionID(cfg.SessionID); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.ServerURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RemoteSink{
		cfg:    cfg,
		base:   base,
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		logger: logger.With(zap.String("session_id", cfg.SessionID)),
	}, nil
}

func (s *RemoteSink) Deliver(ctx context.Context, in entities.SegmentInput) error {
	return s.submit(ctx, domain.NewSyncRequest(s.cfg.SessionID, in))
}

func (s *RemoteSink) Partial(ctx context.Context, partial entities.PartialTranscript) error {
	return s.submit(ctx, domain.SyncRequest{
		ID:        s.cfg.SessionID,
		Message:   partial.Text,
		StartTime: partial.StartTime,
		EndTime:   partial.StartTime,
		Partial:   true,
		Result:    domain.SyncResult{Translated: map[string]string{}, SpecialKeywords: []string{}},
	})
}

func (s *RemoteSink) submit(ctx context.Context, req domain.SyncRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.syncSocket(ctx, req)
	if err == nil {
		s.logAck(resp, req.Partial)
		return nil
	}
	s.logger.Warn("Websocket sync failed, falling back to HTTP", zap.Error(err))
	s.dropConn()

	resp, err = s.syncHTTP(ctx, req)
	if err != nil {
		return err
	}
	s.logAck(resp, req.Partial)
	return nil
}

func (s *RemoteSink) logAck(resp domain.SyncResponse, partial bool) {
	if partial {
		return
	}
	s.logger.Debug("Segment acknowledged",
		zap.Uint64("sequence_no", resp.SequenceNo),
		zap.String("ref", resp.Ref))
}

func (s *RemoteSink) syncSocket(ctx context.Context, req domain.SyncRequest) (domain.SyncResponse, error) {
	if s.conn == nil {
		if err := s.dial(ctx); err != nil {
			return domain.SyncResponse{}, err
		}
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(hub.SyncMessage{
		BaseMessage: hub.BaseMessage{Type: hub.MessageTypeSync},
		SyncRequest: req,
	}); err != nil {
		return domain.SyncResponse{}, fmt.Errorf("write sync: %w", err)
	}

	s.conn.SetReadDeadline(deadline)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return domain.SyncResponse{}, fmt.Errorf("read ack: %w", err)
		}
		var base hub.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			continue
		}
		switch base.Type {
		case hub.MessageTypeSyncSuccess:
			var ack hub.SyncSuccessMessage
			if err := json.Unmarshal(data, &ack); err != nil {
				return domain.SyncResponse{}, fmt.Errorf("decode ack: %w", err)
			}
			return ack.SyncResponse, nil
		case hub.MessageTypeError:
			var msg hub.ErrorMessage
			json.Unmarshal(data, &msg)
			return domain.SyncResponse{}, fmt.Errorf("server rejected sync: %s: %s", msg.Code, msg.Message)
		}
	}
}

func (s *RemoteSink) dial(ctx context.Context) error {
	wsURL := *s.base
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	conn, resp, err := s.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", wsURL.Redacted(), resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", wsURL.Redacted(), err)
	}
	s.conn = conn
	s.logger.Info("Connected to server", zap.String("url", wsURL.Redacted()))
	return nil
}

func (s *RemoteSink) dropConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *RemoteSink) syncHTTP(ctx context.Context, req domain.SyncRequest) (domain.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.SyncResponse{}, fmt.Errorf("encode sync request: %w", err)
	}
	endpoint := s.base.JoinPath("api", "sync", s.cfg.SessionID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return domain.SyncResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return domain.SyncResponse{}, fmt.Errorf("post sync: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		return domain.SyncResponse{}, fmt.Errorf("post sync: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var ack domain.SyncResponse
	if err := json.Unmarshal(data, &ack); err != nil {
		return domain.SyncResponse{}, fmt.Errorf("decode sync response: %w", err)
	}
	return ack, nil
}

// Close closes the websocket connection, if any.
func (s *RemoteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.dropConn()
	return nil
}

// JournalSink keeps a local copy of everything handed to the next sink, numbered
// independently of the server. Segments are journaled even when the next sink fails.
type JournalSink struct {
	next      Sink
	log       repositories.SegmentLog
	sessionID string
	logger    *zap.Logger

	mu  sync.Mutex
	seq uint64
}

// NewJournalSink resumes numbering after the last journaled segment of sessionID.
func NewJournalSink(ctx context.Context, next Sink, log repositories.SegmentLog, sessionID string, logger *zap.Logger) (*JournalSink, error) {
	existing, err := log.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	var seq uint64
	if n := len(existing); n > 0 {
		seq = existing[n-1].SequenceNo
	}
	return &JournalSink{next: next, log: log, sessionID: sessionID, logger: logger, seq: seq}, nil
}

func (s *JournalSink) Deliver(ctx context.Context, in entities.SegmentInput) error {
	deliverErr := s.next.Deliver(ctx, in)

	s.mu.Lock()
	s.seq++
	seg := entities.NewSegment(s.sessionID, s.seq, uuid.NewString(), in)
	s.mu.Unlock()

	if err := s.log.Append(ctx, seg); err != nil {
		s.logger.Error("Failed to journal segment",
			zap.String("session_id", s.sessionID),
			zap.Uint64("sequence_no", seg.SequenceNo),
			zap.Error(err))
		return errors.Join(deliverErr, err)
	}
	return deliverErr
}

func (s *JournalSink) Partial(ctx context.Context, partial entities.PartialTranscript) error {
	return s.next.Partial(ctx, partial)
}
