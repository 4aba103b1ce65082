package translate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain"
	"github.com/opentranslive/server/domain/entities"
)

type step struct {
	reply string
	err   error
}

type scriptedLLM struct {
	mu      sync.Mutex
	steps   []step
	prompts []string
}

func (s *scriptedLLM) Generate(ctx context.Context, system, prompt string, jsonOutput bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.steps) == 0 {
		return "", errors.New("script exhausted")
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.reply, st.err
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func newTestTranslator(t *testing.T, llm *scriptedLLM, langs ...string) *Translator {
	t.Helper()
	tr, err := New(llm, Config{TargetLanguages: langs}, zap.NewNop())
	require.NoError(t, err)
	tr.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return tr
}

func TestTranslateComplete(t *testing.T) {
	llm := &scriptedLLM{steps: []step{{reply: `{"corrected":"Hello world.","translated":{"zh-TW":"你好世界","ja":"こんにちは世界"},"special_keywords":["g0v","g0v"," "]}`}}}
	tr := newTestTranslator(t, llm, "zh-TW", "ja")

	res, err := tr.Translate(context.Background(), Request{Text: "hello world", Glossary: "g0v, OpenAI", Context: []string{"previous line"}})
	require.NoError(t, err)

	assert.Equal(t, "Hello world.", res.Corrected)
	assert.Equal(t, map[string]string{"zh-TW": "你好世界", "ja": "こんにちは世界"}, res.Translations)
	assert.Equal(t, entities.TranslationComplete, res.Status)
	assert.Empty(t, res.Missing)
	assert.Equal(t, []string{"g0v"}, res.Keywords)

	require.Equal(t, 1, llm.calls())
	prompt := llm.prompts[0]
	assert.Contains(t, prompt, "g0v, OpenAI")
	assert.Contains(t, prompt, "previous line")
	assert.Contains(t, prompt, "<correct_this>\nhello world\n</correct_this>")
}

func TestTranslateMissingLanguageIsFlagged(t *testing.T) {
	llm := &scriptedLLM{steps: []step{{reply: `{"corrected":"hi","translated":{"ja":"やあ","fr":"salut"}}`}}}
	tr := newTestTranslator(t, llm, "zh-TW", "ja")

	res, err := tr.Translate(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"zh-TW": "", "ja": "やあ"}, res.Translations, "unknown languages are dropped and gaps filled")
	assert.Equal(t, entities.TranslationPartial, res.Status)
	assert.Equal(t, []string{"zh-TW"}, res.Missing)
}

func TestTranslateEmptyTextSkipsModel(t *testing.T) {
	llm := &scriptedLLM{}
	tr := newTestTranslator(t, llm, "ja")

	res, err := tr.Translate(context.Background(), Request{Text: "   "})
	require.NoError(t, err)
	assert.Equal(t, entities.TranslationSkipped, res.Status)
	assert.Empty(t, res.Translations)
	assert.Zero(t, llm.calls())
}

func TestTranslateRetriesOnce(t *testing.T) {
	llm := &scriptedLLM{steps: []step{
		{err: errors.New("503 overloaded")},
		{reply: "```json\n{\"corrected\":\"ok\",\"translated\":{\"ja\":\"はい\"}}\n```"},
	}}
	tr := newTestTranslator(t, llm, "ja")

	res, err := tr.Translate(context.Background(), Request{Text: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "はい", res.Translations["ja"])
	assert.Equal(t, 2, llm.calls())
}

func TestTranslateFailsAfterSecondError(t *testing.T) {
	llm := &scriptedLLM{steps: []step{
		{reply: "not json"},
		{err: errors.New("timeout")},
		{reply: `{"corrected":"never used"}`},
	}}
	tr := newTestTranslator(t, llm, "ja")

	_, err := tr.Translate(context.Background(), Request{Text: "hello"})
	var terr *domain.TranslationError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 2, terr.Attempts)
	assert.Equal(t, 2, llm.calls())

	in := entities.SegmentInput{RawText: "hello", Translations: map[string]string{"ja": "x"}}
	Unavailable(&in)
	assert.Empty(t, in.Translations)
	assert.Equal(t, entities.TranslationUnavailable, in.TranslationStatus)
}

func TestTranslateHonoursCancelledBackoff(t *testing.T) {
	llm := &scriptedLLM{steps: []step{{err: errors.New("boom")}, {reply: `{}`}}}
	tr, err := New(llm, Config{TargetLanguages: []string{"ja"}, RetryBackoff: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Translate(ctx, Request{Text: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, llm.calls())
}

func TestTranslateEmptyCorrectionFallsBackToText(t *testing.T) {
	llm := &scriptedLLM{steps: []step{{reply: `{"corrected":"<correct_this></correct_this>","translated":{"ja":"やあ"}}`}}}
	tr := newTestTranslator(t, llm, "ja")

	res, err := tr.Translate(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Corrected)
}

func TestContextIsBounded(t *testing.T) {
	llm := &scriptedLLM{steps: []step{{reply: `{"corrected":"c","translated":{"ja":"j"}}`}}}
	tr, err := New(llm, Config{TargetLanguages: []string{"ja"}, ContextSegments: 2, ContextRunes: 12}, zap.NewNop())
	require.NoError(t, err)

	_, err = tr.Translate(context.Background(), Request{Text: "now", Context: []string{"first", "second", "third"}})
	require.NoError(t, err)

	prompt := llm.prompts[0]
	assert.NotContains(t, prompt, "first")
	assert.Contains(t, prompt, "second third")
}

func TestNewRequiresTargets(t *testing.T) {
	_, err := New(&scriptedLLM{}, Config{TargetLanguages: []string{" ", ""}}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(nil, Config{TargetLanguages: []string{"ja"}}, zap.NewNop())
	assert.Error(t, err)

	tr, err := New(&scriptedLLM{}, Config{TargetLanguages: []string{"ja", "zh-TW", "JA"}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"ja", "zh-TW"}, tr.TargetLanguages())
}

func TestTargetLanguagesKeepConfiguredOrder(t *testing.T) {
	tr, err := New(&scriptedLLM{}, Config{TargetLanguages: []string{"zh-TW", " ja ", "en", "JA", "zh-tw"}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"zh-TW", "ja", "en"}, tr.TargetLanguages())
}

func TestTailRunes(t *testing.T) {
	assert.Equal(t, "世界", tailRunes("你好世界", 2))
	assert.Equal(t, "abc", tailRunes("abc", 10))
	assert.True(t, strings.HasSuffix(tailRunes(strings.Repeat("x", 50)+"end", 5), "end"))
}
