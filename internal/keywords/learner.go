// Package keywords learns domain terms from accepted transcripts and turns the best of
// them into a short steering prompt for transcription and translation.
package keywords

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	DefaultMaxTerms  = 500
	DefaultBiasTerms = 20
	defaultDecay     = 0.9
	repeatThreshold  = 2
	minTokenRunes    = 4
	suggestedBoost   = 2.0
)

// Config bounds the learner.
type Config struct {
	MaxTerms  int
	BiasTerms int
	// Decay multiplies every score once per observed segment, favouring recent terms.
	Decay float64
	// Seed terms are always kept and always lead the bias context.
	Seed []string
}

// Term is one learned keyword.
type Term struct {
	Text     string  `toml:"text"`
	Score    float64 `toml:"score"`
	Count    int     `toml:"count"`
	LastSeen uint64  `toml:"last_seen"`
	Pinned   bool    `toml:"pinned"`
}

// Set is a bounded, session-owned keyword set. It is safe for concurrent use so the
// transcriber can read the bias context while the pipeline observes new text.
type Set struct {
	mu     sync.RWMutex
	cfg    Config
	terms  map[string]*Term // keyed by lower-case text
	tokens map[string]int   // occurrences of not-yet-promoted uncommon tokens
	tick   uint64
}

// NewSet creates a set seeded with cfg.Seed.
func NewSet(cfg Config) *Set {
	if cfg.MaxTerms <= 0 {
		cfg.MaxTerms = DefaultMaxTerms
	}
	if cfg.BiasTerms <= 0 {
		cfg.BiasTerms = DefaultBiasTerms
	}
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = defaultDecay
	}
	s := &Set{
		cfg:    cfg,
		terms:  make(map[string]*Term),
		tokens: make(map[string]int),
	}
	for _, seed := range cfg.Seed {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		s.terms[strings.ToLower(seed)] = &Term{Text: seed, Pinned: true}
	}
	return s
}

// Observe extracts candidates from an accepted final transcript and updates scores.
func (s *Set) Observe(rawText string) {
	candidates := extract(rawText)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	s.decayLocked()

	for _, c := range candidates.strong {
		s.bumpLocked(c, 1)
	}
	for _, tok := range candidates.uncommon {
		key := strings.ToLower(tok)
		if _, ok := s.terms[key]; ok {
			s.bumpLocked(tok, 1)
			continue
		}
		s.tokens[key]++
		if s.tokens[key] >= repeatThreshold {
			delete(s.tokens, key)
			s.bumpLocked(tok, float64(repeatThreshold))
		}
	}
	s.evictLocked()
}

// Suggest merges terms reported by the translation model.
func (s *Set) Suggest(terms []string) {
	if len(terms) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || len([]rune(t)) > 64 {
			continue
		}
		s.bumpLocked(t, suggestedBoost)
	}
	s.evictLocked()
}

// BiasContext returns the top terms joined by ", ", capped at the configured count.
func (s *Set) BiasContext() string {
	return strings.Join(s.Top(s.cfg.BiasTerms), ", ")
}

// Top returns up to n terms: pinned first, then by score.
func (s *Set) Top(n int) []string {
	ranked := s.ranked()
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for _, t := range ranked[:n] {
		out = append(out, t.Text)
	}
	return out
}

// Len returns the number of tracked terms.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.terms)
}

// Terms returns a copy of every tracked term in rank order.
func (s *Set) Terms() []Term {
	ranked := s.ranked()
	out := make([]Term, len(ranked))
	for i, t := range ranked {
		out[i] = *t
	}
	return out
}

func (s *Set) ranked() []*Term {
	s.mu.RLock()
	list := make([]*Term, 0, len(s.terms))
	for _, t := range s.terms {
		cp := *t
		list = append(list, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LastSeen != b.LastSeen {
			return a.LastSeen > b.LastSeen
		}
		return a.Text < b.Text
	})
	return list
}

func (s *Set) bumpLocked(text string, weight float64) {
	key := strings.ToLower(text)
	t, ok := s.terms[key]
	if !ok {
		t = &Term{Text: text}
		s.terms[key] = t
	}
	t.Score += weight
	t.Count++
	t.LastSeen = s.tick
}

func (s *Set) decayLocked() {
	for _, t := range s.terms {
		if !t.Pinned {
			t.Score *= s.cfg.Decay
		}
	}
	// Pending tokens are capped too so the set stays bounded in every dimension.
	if len(s.tokens) > s.cfg.MaxTerms*4 {
		s.tokens = make(map[string]int)
	}
}

// evictLocked drops the weakest unpinned terms until the set fits its bound.
func (s *Set) evictLocked() {
	excess := len(s.terms) - s.cfg.MaxTerms
	if excess <= 0 {
		return
	}
	victims := make([]*Term, 0, len(s.terms))
	for _, t := range s.terms {
		if !t.Pinned {
			victims = append(victims, t)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Score != victims[j].Score {
			return victims[i].Score < victims[j].Score
		}
		return victims[i].LastSeen < victims[j].LastSeen
	})
	for i := 0; i < excess && i < len(victims); i++ {
		delete(s.terms, strings.ToLower(victims[i].Text))
	}
}

type candidates struct {
	strong   []string // proper nouns and mixed alphanumeric tokens
	uncommon []string // promoted only when repeated
}

func extract(text string) candidates {
	var c candidates
	sentenceStart := true
	for _, raw := range strings.Fields(text) {
		tok := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		endsSentence := strings.ContainsAny(lastRune(raw), ".!?。！？")
		if tok == "" {
			sentenceStart = sentenceStart || endsSentence
			continue
		}

		switch {
		case isMixedAlnum(tok):
			c.strong = append(c.strong, tok)
		case isCapitalised(tok) && !sentenceStart && !isStopword(tok):
			c.strong = append(c.strong, tok)
		case isAcronym(tok):
			c.strong = append(c.strong, tok)
		case len([]rune(tok)) >= minTokenRunes && !isStopword(tok) && !isNumber(tok):
			c.uncommon = append(c.uncommon, tok)
		}
		sentenceStart = endsSentence
	}
	return c
}

func lastRune(s string) string {
	r := []rune(s)
	return string(r[len(r)-1])
}

func isCapitalised(tok string) bool {
	r := []rune(tok)
	return len(r) > 1 && unicode.IsUpper(r[0])
}

func isAcronym(tok string) bool {
	r := []rune(tok)
	if len(r) < 2 || len(r) > 8 {
		return false
	}
	for _, ch := range r {
		if !unicode.IsUpper(ch) {
			return false
		}
	}
	return true
}

func isMixedAlnum(tok string) bool {
	var letter, digit bool
	for _, r := range tok {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}

func isNumber(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isStopword(tok string) bool {
	_, ok := stopwords[strings.ToLower(tok)]
	return ok
}

var stopwords = func() map[string]struct{} {
	words := strings.Fields(`
		about above after again against also although always another because been before
		being below between both cannot could does doing down during each either else even
		every from further have having here hers herself himself into itself just like
		more most much must myself never only other ours ourselves over really same shall
		should some such than that their theirs them themselves then there these they this
		those through under until very was were what when where which while will with
		would your yours yourself yourselves okay yeah thing things going gonna want know
		think right well make made good great today people
	`)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
