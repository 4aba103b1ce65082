// Package translate corrects and translates finalized transcript segments with a single
// model call per segment, using recent segments and learned keywords as context.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

const (
	DefaultContextSegments = 5
	DefaultContextRunes    = 400
	DefaultAttemptTimeout  = 30 * time.Second
	DefaultRetryBackoff    = time.Second
	maxAttempts            = 2
)

// Config configures the translator.
type Config struct {
	TargetLanguages []string
	ContextSegments int
	ContextRunes    int
	AttemptTimeout  time.Duration
	RetryBackoff    time.Duration
}

// Request is one segment to translate.
type Request struct {
	Text string
	// Context holds prior segment texts, oldest first.
	Context []string
	// Glossary is the keyword bias context.
	Glossary string
}

// Result is the translation outcome for one segment.
type Result struct {
	Corrected    string
	Translations map[string]string
	Keywords     []string
	Status       entities.TranslationStatus
	Missing      []string
}

// Translator owns the prompt and the response contract; the model behind it is pluggable.
type Translator struct {
	llm    repositories.LargeLanguageModel
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a translator. Targets are normalized and deduplicated.
func New(llm repositories.LargeLanguageModel, cfg Config, logger *zap.Logger) (*Translator, error) {
	if llm == nil {
		return nil, errors.New("translator requires a language model")
	}
	cfg.TargetLanguages = normalizeLanguages(cfg.TargetLanguages)
	if len(cfg.TargetLanguages) == 0 {
		return nil, errors.New("at least one target language is required")
	}
	if cfg.ContextSegments <= 0 {
		cfg.ContextSegments = DefaultContextSegments
	}
	if cfg.ContextRunes <= 0 {
		cfg.ContextRunes = DefaultContextRunes
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Translator{llm: llm, cfg: cfg, logger: logger, sleep: sleepCtx}, nil
}

// TargetLanguages returns the configured language codes.
func (t *Translator) TargetLanguages() []string {
	return append([]string{}, t.cfg.TargetLanguages...)
}

// ContextSegments is how many prior segments callers should pass as context.
func (t *Translator) ContextSegments() int { return t.cfg.ContextSegments }

// Translate returns corrected text and one translation per target language. Empty text is
// skipped without a model call. After the retry budget is spent it returns a
// *domain.TranslationError; callers then store the segment untranslated.
func (t *Translator) Translate(ctx context.Context, req Request) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{Translations: map[string]string{}, Status: entities.TranslationSkipped}, nil
	}

	history := req.Context
	if len(history) > t.cfg.ContextSegments {
		history = history[len(history)-t.cfg.ContextSegments:]
	}
	prompt := buildPrompt(req.Glossary, history, text, t.cfg.TargetLanguages, t.cfg.ContextRunes)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := t.attempt(ctx, prompt)
		if err == nil {
			return t.result(text, r), nil
		}
		lastErr = err
		t.logger.Warn("Translation attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < maxAttempts {
			if err := t.sleep(ctx, t.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}
	return Result{}, &domain.TranslationError{Attempts: maxAttempts, Err: lastErr}
}

func (t *Translator) attempt(ctx context.Context, prompt string) (reply, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.AttemptTimeout)
	defer cancel()

	raw, err := t.llm.Generate(ctx, systemInstruction, prompt, true)
	if err != nil {
		return reply{}, err
	}
	return parseReply(raw)
}

// result enforces the response contract: keys are exactly the targets, gaps are flagged.
func (t *Translator) result(text string, r reply) Result {
	out := Result{
		Corrected:    r.Corrected,
		Translations: make(map[string]string, len(t.cfg.TargetLanguages)),
		Status:       entities.TranslationComplete,
	}
	if out.Corrected == "" {
		out.Corrected = text
	}
	got := make(map[string]string, len(r.Translated))
	for lang, v := range r.Translated {
		got[strings.ToLower(strings.TrimSpace(lang))] = strings.TrimSpace(v)
	}
	for _, lang := range t.cfg.TargetLanguages {
		v := got[strings.ToLower(lang)]
		out.Translations[lang] = v
		if v == "" {
			out.Missing = append(out.Missing, lang)
		}
	}
	if len(out.Missing) > 0 {
		out.Status = entities.TranslationPartial
	}

	seen := make(map[string]struct{}, len(r.SpecialKeywords))
	for _, kw := range r.SpecialKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out.Keywords = append(out.Keywords, kw)
	}
	return out
}

// Apply copies a result onto a segment input.
func (r Result) Apply(in *entities.SegmentInput) {
	in.CorrectedText = r.Corrected
	in.Translations = r.Translations
	in.Keywords = r.Keywords
	in.TranslationStatus = r.Status
	in.MissingLanguages = r.Missing
}

// Unavailable marks in as untranslated after a TranslationError.
func Unavailable(in *entities.SegmentInput) {
	in.Translations = map[string]string{}
	in.TranslationStatus = entities.TranslationUnavailable
	in.MissingLanguages = nil
}

// normalizeLanguages trims and dedupes langs case-insensitively, keeping the first spelling
// and the configured order.
func normalizeLanguages(langs []string) []string {
	seen := make(map[string]struct{}, len(langs))
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		key := strings.ToLower(l)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, l)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("translation retry: %w", ctx.Err())
	}
}
