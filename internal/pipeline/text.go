package pipeline

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// maxOverlapWords bounds how far back a repeated window prefix is looked for.
const maxOverlapWords = 8

// trimOverlap removes the words at the start of next that repeat the end of prev. Overlapping
// windows make per-window engines transcribe the carried audio twice.
func trimOverlap(prev, next string) string {
	prevWords := strings.Fields(prev)
	nextWords := strings.Fields(next)
	limit := min(maxOverlapWords, len(prevWords), len(nextWords))

	for k := limit; k >= 1; k-- {
		if k == 1 && utf8.RuneCountInString(normalizeWord(nextWords[0])) < 4 {
			break
		}
		match := true
		for i := 0; i < k; i++ {
			if normalizeWord(prevWords[len(prevWords)-k+i]) != normalizeWord(nextWords[i]) {
				match = false
				break
			}
		}
		if match {
			return strings.Join(nextWords[k:], " ")
		}
	}
	return strings.TrimSpace(next)
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}

// contextWindow holds the most recent segment texts of one session, oldest first. Raw text
// is recorded when a segment is transcribed and replaced by the corrected text once its
// translation lands.
type contextWindow struct {
	mu      sync.Mutex
	size    int
	entries []contextEntry
}

type contextEntry struct {
	seq  uint64
	text string
}

func newContextWindow(size int) *contextWindow {
	if size < 1 {
		size = 1
	}
	return &contextWindow{size: size}
}

// add records raw and returns the texts that preceded it.
func (w *contextWindow) add(seq uint64, raw string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	before := make([]string, 0, len(w.entries))
	for _, e := range w.entries {
		before = append(before, e.text)
	}
	w.entries = append(w.entries, contextEntry{seq: seq, text: raw})
	if len(w.entries) > w.size {
		w.entries = append([]contextEntry{}, w.entries[len(w.entries)-w.size:]...)
	}
	return before
}

func (w *contextWindow) correct(seq uint64, corrected string) {
	if strings.TrimSpace(corrected) == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.entries {
		if w.entries[i].seq == seq {
			w.entries[i].text = corrected
			return
		}
	}
}
