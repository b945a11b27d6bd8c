package retrieval

import "strings"

const (
	maxHighlights      = 3
	maxHighlightLength = 200
)

// queryTerms lowercases and dedupes the words of a query, dropping ones too
// short to be meaningful match evidence.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]`)
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// buildHighlights returns up to max sentences from content that contain a
// query term, each truncated to a bounded length.
func buildHighlights(content string, terms []string, max int) []string {
	if len(terms) == 0 || content == "" {
		return nil
	}

	var highlights []string
	for _, sentence := range splitSentences(content) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}

		lower := strings.ToLower(sentence)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				highlights = append(highlights, truncateRunes(sentence, maxHighlightLength))
				break
			}
		}

		if len(highlights) >= max {
			break
		}
	}
	return highlights
}

func splitSentences(content string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range content {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
