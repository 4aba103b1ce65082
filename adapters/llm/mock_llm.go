package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/opentranslive/server/domain/repositories"
)

// MockLLM answers translation prompts offline. The corrected text echoes the input and each
// target language gets a tagged copy, so demos and end-to-end tests run without credentials.
type MockLLM struct{}

var _ repositories.LargeLanguageModel = (*MockLLM)(nil)

// NewMockLLM creates a new mock language model
func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

var (
	mockTextPattern  = regexp.MustCompile(`(?s)<correct_this>\n?(.*?)\n?</correct_this>`)
	mockLangsPattern = regexp.MustCompile(`Target languages: ([^\n]*)`)
)

// Generate implements repositories.LargeLanguageModel
func (m *MockLLM) Generate(ctx context.Context, system, prompt string, jsonOutput bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text := strings.TrimSpace(prompt)
	if match := mockTextPattern.FindStringSubmatch(prompt); match != nil {
		text = strings.TrimSpace(match[1])
	}
	if !jsonOutput {
		return text, nil
	}

	translated := map[string]string{}
	if match := mockLangsPattern.FindStringSubmatch(prompt); match != nil {
		for _, lang := range strings.Split(match[1], ",") {
			if lang = strings.TrimSpace(lang); lang != "" {
				translated[lang] = "[" + lang + "] " + text
			}
		}
	}

	out, err := json.Marshal(map[string]any{
		"corrected":        text,
		"translated":       translated,
		"special_keywords": []string{},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
