package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"

	defaultOpenAIModel = "gpt-4o-mini-transcribe"
	defaultGroqModel   = "whisper-large-v3"
	defaultHTTPTimeout = 30 * time.Second
	defaultRetryDelay  = 500 * time.Millisecond
)

// BatchConfig configures an OpenAI-compatible /audio/transcriptions backend
type BatchConfig struct {
	Provider   string // "openai" or "groq"
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// BatchTranscriber uploads each window as a WAV file and waits for the full transcript.
type BatchTranscriber struct {
	cfg    BatchConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.Transcriber = (*BatchTranscriber)(nil)

// NewBatchTranscriber validates config and applies provider defaults.
func NewBatchTranscriber(cfg BatchConfig, logger *zap.Logger) (*BatchTranscriber, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.APIKey == "" {
		return nil, &domain.TranscriberError{Engine: cfg.Provider, Permanent: true, Err: fmt.Errorf("%s API key is required", cfg.Provider)}
	}

	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = openAIBaseURL
		}
		if cfg.Model == "" {
			cfg.Model = defaultOpenAIModel
			logger.Info("Using default transcription model", zap.String("model", cfg.Model))
		}
	case "groq":
		if cfg.BaseURL == "" {
			cfg.BaseURL = groqBaseURL
		}
		if cfg.Model == "" {
			cfg.Model = defaultGroqModel
			logger.Info("Using default transcription model", zap.String("model", cfg.Model))
		}
	default:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("unknown transcription provider %q without base URL", cfg.Provider)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &BatchTranscriber{cfg: cfg, client: client, logger: logger}, nil
}

// Name implements repositories.Transcriber
func (b *BatchTranscriber) Name() string { return b.cfg.Provider }

// Transcribe implements repositories.Transcriber
func (b *BatchTranscriber) Transcribe(ctx context.Context, windows <-chan entities.AudioWindow, opts repositories.TranscribeOptions) (<-chan repositories.TranscriptionResult, error) {
	return runPerWindow(ctx, b.Name(), b.logger, windows, opts, func(ctx context.Context, w entities.AudioWindow, bias string, _ func(repositories.TranscriptionResult) bool) (string, *float64, error) {
		text, err := b.transcribeWindow(ctx, w, opts.Language, bias)
		return text, nil, err
	}), nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("transcription http %d: %s", e.code, e.body)
}

func (b *BatchTranscriber) transcribeWindow(ctx context.Context, w entities.AudioWindow, language, bias string) (string, error) {
	wav := encodeWAV(w.Samples, w.Format)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.cfg.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := b.post(ctx, wav, w.Seq, language, bias)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if se, ok := err.(*statusError); ok {
			switch {
			case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
				return "", &domain.TranscriberError{Engine: b.Name(), WindowSeq: w.Seq, Permanent: true, Err: err}
			case se.code != http.StatusTooManyRequests && se.code < 500:
				return "", err
			}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.logger.Debug("Retrying transcription request",
			zap.Uint64("window_seq", w.Seq),
			zap.Error(err))
	}
	return "", lastErr
}

func (b *BatchTranscriber) post(ctx context.Context, wav []byte, seq uint64, language, bias string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"model":           b.cfg.Model,
		"response_format": "json",
	}
	if language != "" {
		fields["language"] = language
	}
	if bias != "" {
		fields["prompt"] = "This is a transcription about: " + bias
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}

	fw, err := mw.CreateFormFile("file", fmt.Sprintf("window-%d.wav", seq))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.cfg.BaseURL, "/")+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return tr.Text, nil
}
