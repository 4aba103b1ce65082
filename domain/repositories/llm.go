package repositories

import "context"

// LargeLanguageModel abstracts any text generation provider
type LargeLanguageModel interface {
	// Generate sends a system instruction and a user prompt and returns the raw reply.
	// When jsonOutput is set the provider is asked for a JSON document.
	Generate(ctx context.Context, system, prompt string, jsonOutput bool) (string, error)
}
