package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemInstruction = `You post-edit live speech transcripts.
1. Correct the text inside <correct_this> only, using the reference and context. Keep the meaning; fix misheard terms.
2. Translate the corrected text into each requested language (IETF BCP 47 codes) as "translated".
3. If the corrected text contains very special keywords (names, products, jargon), list them in "special_keywords".
Respond with a single JSON object and nothing else.`

// reply is the JSON document the model is asked to produce.
type reply struct {
	Corrected       string            `json:"corrected"`
	Translated      map[string]string `json:"translated"`
	SpecialKeywords []string          `json:"special_keywords"`
}

func buildPrompt(glossary string, history []string, text string, targets []string, contextRunes int) string {
	example := reply{
		Corrected:       "corrected text without tags",
		Translated:      make(map[string]string, len(targets)),
		SpecialKeywords: []string{},
	}
	for _, lang := range targets {
		example.Translated[lang] = lang + " translation"
	}
	shape, _ := json.Marshal(example)

	var b strings.Builder
	fmt.Fprintf(&b, "Target languages: %s\n", strings.Join(targets, ", "))
	fmt.Fprintf(&b, "Output format: %s\n", shape)
	b.WriteString("<reference>\n")
	if glossary != "" {
		fmt.Fprintf(&b, "This is a transcription about:\n%s\n", glossary)
	}
	b.WriteString("</reference>\n<context>\n")
	b.WriteString(tailRunes(strings.Join(history, " "), contextRunes))
	b.WriteString("\n</context>\n<correct_this>\n")
	b.WriteString(text)
	b.WriteString("\n</correct_this>")
	return b.String()
}

// parseReply decodes the model output, tolerating a fenced code block around it.
func parseReply(raw string) (reply, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var r reply
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return reply{}, fmt.Errorf("malformed model reply: %w", err)
	}
	r.Corrected = stripTags(r.Corrected)
	return r, nil
}

func stripTags(s string) string {
	s = strings.ReplaceAll(s, "<correct_this>", "")
	s = strings.ReplaceAll(s, "</correct_this>", "")
	return strings.TrimSpace(s)
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
