package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

const (
	elevenLabsBaseURL   = "https://api.elevenlabs.io"
	defaultScribeModel  = "scribe_v2_realtime"
	defaultMaxBackoff   = 30 * time.Second
	scribeDrainTimeout  = 3 * time.Second
	scribeWriteDeadline = 10 * time.Second
)

// ScribeConfig configures the ElevenLabs realtime speech-to-text backend
type ScribeConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Language   string
	MaxBackoff time.Duration
	HTTPClient *http.Client
}

// ScribeTranscriber keeps one websocket open to ElevenLabs and forwards audio as it
// arrives. The server decides utterance boundaries (VAD commit), so results are decoupled
// from window cadence.
type ScribeTranscriber struct {
	cfg    ScribeConfig
	client *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ repositories.Transcriber = (*ScribeTranscriber)(nil)

// NewScribeTranscriber validates config and applies defaults.
func NewScribeTranscriber(cfg ScribeConfig, logger *zap.Logger) (*ScribeTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, &domain.TranscriberError{Engine: "scribe", Permanent: true, Err: errors.New("ElevenLabs API key is required")}
	}
	if cfg.Model == "" {
		cfg.Model = defaultScribeModel
		logger.Info("Using default scribe model", zap.String("model", cfg.Model))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsBaseURL
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &ScribeTranscriber{
		cfg:    cfg,
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: defaultHTTPTimeout},
		logger: logger,
	}, nil
}

// Name implements repositories.Transcriber
func (s *ScribeTranscriber) Name() string { return "scribe" }

// Transcribe connects once synchronously so auth problems surface as a startup error, then
// keeps the connection alive in the background, reconnecting with capped backoff.
func (s *ScribeTranscriber) Transcribe(ctx context.Context, windows <-chan entities.AudioWindow, opts repositories.TranscribeOptions) (<-chan repositories.TranscriptionResult, error) {
	language := opts.Language
	if language == "" {
		language = s.cfg.Language
	}
	conn, err := s.connect(ctx, language)
	if err != nil {
		return nil, err
	}

	out := make(chan repositories.TranscriptionResult, resultBuffer)
	go s.run(ctx, conn, language, windows, out)
	return out, nil
}

func (s *ScribeTranscriber) run(ctx context.Context, conn *websocket.Conn, language string, windows <-chan entities.AudioWindow, out chan<- repositories.TranscriptionResult) {
	defer close(out)

	st := &utteranceClock{}
	backoff := time.Second
	for {
		err := s.session(ctx, conn, language, windows, st, out)
		if err == nil || ctx.Err() != nil {
			return
		}
		if domain.IsPermanent(err) {
			s.logger.Error("Scribe session failed permanently", zap.Error(err))
			select {
			case out <- repositories.TranscriptionResult{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		s.logger.Warn("Scribe connection lost, reconnecting", zap.Error(err))

		for conn = nil; conn == nil; {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}

			conn, err = s.connect(ctx, language)
			if err != nil {
				if domain.IsPermanent(err) || ctx.Err() != nil {
					s.logger.Error("Scribe reconnect failed", zap.Error(err))
					return
				}
				s.logger.Warn("Scribe reconnect attempt failed", zap.Duration("backoff", backoff), zap.Error(err))
				conn = nil
			}
		}
		backoff = time.Second
	}
}

type scribeChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	SampleRate  int    `json:"sample_rate"`
	Commit      bool   `json:"commit"`
}

type scribeEvent struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
	SessionID   string `json:"session_id"`
}

// session pumps windows into one connection. It returns nil when windows closes or ctx ends.
func (s *ScribeTranscriber) session(ctx context.Context, conn *websocket.Conn, language string, windows <-chan entities.AudioWindow, st *utteranceClock, out chan<- repositories.TranscriptionResult) error {
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr <- s.readLoop(ctx, conn, language, st, out)
	}()
	defer func() {
		conn.Close()
		<-readDone
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil

		case err := <-readErr:
			if err == nil {
				err = errors.New("scribe connection closed")
			}
			return err

		case w, ok := <-windows:
			if !ok {
				if err := s.send(conn, scribeChunk{MessageType: "input_audio_chunk", SampleRate: entities.DefaultAudioFormat.SampleRate, Commit: true}); err != nil {
					return nil
				}
				select {
				case <-readErr:
				case <-time.After(scribeDrainTimeout):
				case <-ctx.Done():
				}
				return nil
			}

			fresh := w.Fresh()
			if len(fresh) == 0 && !w.Final {
				continue
			}
			st.sent(w)
			if err := s.send(conn, scribeChunk{
				MessageType: "input_audio_chunk",
				AudioBase64: base64.StdEncoding.EncodeToString(fresh),
				SampleRate:  w.Format.SampleRate,
				Commit:      w.Final,
			}); err != nil {
				return fmt.Errorf("send audio chunk: %w", err)
			}
		}
	}
}

func (s *ScribeTranscriber) send(conn *websocket.Conn, chunk scribeChunk) error {
	conn.SetWriteDeadline(time.Now().Add(scribeWriteDeadline))
	return conn.WriteJSON(chunk)
}

func (s *ScribeTranscriber) readLoop(ctx context.Context, conn *websocket.Conn, language string, st *utteranceClock, out chan<- repositories.TranscriptionResult) error {
	emit := func(r repositories.TranscriptionResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		var evt scribeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Warn("Ignoring malformed scribe message", zap.Error(err))
			continue
		}

		switch evt.MessageType {
		case "session_started":
			s.logger.Info("Scribe session started", zap.String("scribe_session_id", evt.SessionID))

		case "partial_transcript":
			text := strings.TrimSpace(evt.Text)
			if text == "" {
				continue
			}
			start, end, seq := st.current()
			if !emit(repositories.TranscriptionResult{Text: text, Language: language, Start: start, End: end, WindowSeq: seq}) {
				return nil
			}

		case "committed_transcript", "committed_transcript_with_timestamps":
			start, end, seq := st.commit()
			text := CleanFinal(evt.Text)
			if text == "" {
				continue
			}
			if !emit(repositories.TranscriptionResult{Text: text, Language: language, IsFinal: true, Start: start, End: end, WindowSeq: seq}) {
				return nil
			}

		case "auth_error":
			return &domain.TranscriberError{Engine: s.Name(), Permanent: true, Err: errors.New(evt.Error)}

		default:
			if strings.HasSuffix(evt.MessageType, "error") {
				return &domain.TranscriberError{Engine: s.Name(), Err: fmt.Errorf("%s: %s", evt.MessageType, evt.Error)}
			}
			s.logger.Debug("Unhandled scribe message", zap.String("message_type", evt.MessageType))
		}
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *ScribeTranscriber) connect(ctx context.Context, language string) (*websocket.Conn, error) {
	token, err := s.fetchToken(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("token", token)
	params.Set("model_id", s.cfg.Model)
	params.Set("audio_format", "pcm_16000")
	params.Set("commit_strategy", "vad")
	if language != "" {
		params.Set("language_code", language)
	}

	wsURL := websocketURL(s.cfg.BaseURL) + "/v1/speech-to-text/realtime?" + params.Encode()
	header := http.Header{}
	header.Set("xi-api-key", s.cfg.APIKey)

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.TranscriberError{Engine: s.Name(), Permanent: true, Err: fmt.Errorf("scribe handshake: %w", err)}
		}
		return nil, &domain.TranscriberError{Engine: s.Name(), Err: fmt.Errorf("scribe dial: %w", err)}
	}
	return conn, nil
}

func (s *ScribeTranscriber) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/v1/single-use-token/realtime_scribe", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &domain.TranscriberError{Engine: s.Name(), Err: fmt.Errorf("request scribe token: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &domain.TranscriberError{Engine: s.Name(), Permanent: true, Err: fmt.Errorf("scribe token rejected: http %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &domain.TranscriberError{Engine: s.Name(), Err: fmt.Errorf("scribe token http %d: %s", resp.StatusCode, msg)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode scribe token: %w", err)
	}
	if tr.Token == "" {
		return "", errors.New("scribe token response carried no token")
	}
	return tr.Token, nil
}

func websocketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// utteranceClock maps server-side commits back onto stream offsets of the audio sent.
type utteranceClock struct {
	mu      sync.Mutex
	open    bool
	start   time.Duration
	end     time.Duration
	lastSeq uint64
}

func (c *utteranceClock) sent(w entities.AudioWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		c.start = w.FreshOffset()
		c.open = true
	}
	c.end = w.End()
	c.lastSeq = w.Seq
}

func (c *utteranceClock) current() (time.Duration, time.Duration, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start, c.end, c.lastSeq
}

func (c *utteranceClock) commit() (time.Duration, time.Duration, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, end := c.start, c.end
	c.open = false
	c.start = c.end
	return start, end, c.lastSeq
}
