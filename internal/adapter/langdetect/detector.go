// Package langdetect implements domain.LanguageDetector with a small
// stopword-frequency heuristic. No repo in the retrieval pack performs
// language identification, so unlike llmclient's adapters this one is
// deliberately stdlib-only (see DESIGN.md).
package langdetect

import (
	"context"
	"strings"

	"github.com/orbit-rag/orbit/internal/domain"
)

// Detector scores input text against a small set of per-language stopword
// lists and returns the best-matching ISO 639-1 code.
type Detector struct {
	stopwords map[string]map[string]struct{}
	fallback  string
}

// New builds a Detector. fallback is returned when no language's stopwords
// score above zero matches (spec §4.8 step 2: detection must never fail
// the pipeline — it degrades to a configured default).
func New(fallback string) *Detector {
	if fallback == "" {
		fallback = "en"
	}
	return &Detector{stopwords: defaultStopwords(), fallback: fallback}
}

// Detect tokenizes text to lowercase words and returns the language whose
// stopword list matches the most tokens.
func (d *Detector) Detect(ctx context.Context, text string) (string, error) {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return d.fallback, nil
	}

	best, bestScore := d.fallback, 0
	for lang, words := range d.stopwords {
		score := 0
		for _, tok := range tokens {
			tok = strings.Trim(tok, ".,!?;:\"'()")
			if _, ok := words[tok]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best, nil
}

func defaultStopwords() map[string]map[string]struct{} {
	return map[string]map[string]struct{}{
		"en": set("the", "is", "are", "and", "of", "to", "a", "in", "my", "what", "where", "how", "i", "you", "for", "do", "does"),
		"es": set("el", "la", "los", "las", "de", "que", "y", "en", "un", "una", "mi", "donde", "como", "para", "que"),
		"fr": set("le", "la", "les", "de", "et", "en", "un", "une", "mon", "ou", "comment", "pour", "que", "est"),
		"de": set("der", "die", "das", "und", "von", "zu", "ein", "eine", "mein", "wo", "wie", "fur", "ist", "sind"),
		"pt": set("o", "a", "os", "as", "de", "que", "e", "em", "um", "uma", "meu", "onde", "como", "para"),
	}
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var _ domain.LanguageDetector = (*Detector)(nil)
