package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	response *genai.GenerateContentResponse
	err      error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	return f.response, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: genai.RoleModel}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

func TestValidateGeminiConfig(t *testing.T) {
	assert.Error(t, ValidateGeminiConfig(GeminiConfig{}))
	assert.Error(t, ValidateGeminiConfig(GeminiConfig{APIKey: "k", Temperature: 3}))
	assert.Error(t, ValidateGeminiConfig(GeminiConfig{APIKey: "k", MaxOutputTokens: -1}))
	assert.NoError(t, ValidateGeminiConfig(GeminiConfig{APIKey: "k"}))
}

func TestGeminiGenerateJSON(t *testing.T) {
	fake := &fakeModels{response: textResponse(`{"corrected":`, `"hi"}`)}
	g := newGeminiLLM(fake, GeminiConfig{APIKey: "k"}, zap.NewNop())

	out, err := g.Generate(context.Background(), "system rules", "translate this", true)
	require.NoError(t, err)
	assert.Equal(t, `{"corrected":"hi"}`, out)

	assert.Equal(t, defaultModel, fake.model)
	assert.Equal(t, "application/json", fake.config.ResponseMIMEType)
	require.NotNil(t, fake.config.SystemInstruction)
	assert.Equal(t, "system rules", fake.config.SystemInstruction.Parts[0].Text)
	require.Len(t, fake.contents, 1)
	assert.Equal(t, "translate this", fake.contents[0].Parts[0].Text)
}

func TestGeminiGenerateErrors(t *testing.T) {
	g := newGeminiLLM(&fakeModels{err: errors.New("quota")}, GeminiConfig{APIKey: "k"}, zap.NewNop())
	_, err := g.Generate(context.Background(), "", "p", false)
	assert.ErrorContains(t, err, "quota")

	g = newGeminiLLM(&fakeModels{response: &genai.GenerateContentResponse{}}, GeminiConfig{APIKey: "k"}, zap.NewNop())
	_, err = g.Generate(context.Background(), "", "p", false)
	assert.Error(t, err)

	g = newGeminiLLM(&fakeModels{response: textResponse("")}, GeminiConfig{APIKey: "k"}, zap.NewNop())
	_, err = g.Generate(context.Background(), "", "p", false)
	assert.Error(t, err)
}

func TestMockLLMEchoesTranslations(t *testing.T) {
	prompt := "Target languages: ja, zh-TW\n<correct_this>\nhello world\n</correct_this>"
	out, err := NewMockLLM().Generate(context.Background(), "", prompt, true)
	require.NoError(t, err)

	var reply struct {
		Corrected  string            `json:"corrected"`
		Translated map[string]string `json:"translated"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, "hello world", reply.Corrected)
	assert.Equal(t, "[ja] hello world", reply.Translated["ja"])
	assert.Equal(t, "[zh-TW] hello world", reply.Translated["zh-TW"])
}
