package text

import (
	"regexp"
	"strings"

	"lodestone/internal/apperr"
)

// ChunkConfig bounds chunk construction. All sizes are in characters.
type ChunkConfig struct {
	// TargetSize is the amount of new text each chunk advances by.
	TargetSize int
	// Overlap is how far a chunk reaches back into the previous one.
	Overlap int
	// MinSize is the smallest amount of new text worth emitting as its own
	// chunk; a shorter tail is merged into the previous chunk.
	MinSize int
}

func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{TargetSize: 1024, Overlap: 200, MinSize: 128}
}

func (c ChunkConfig) Validate() error {
	if c.TargetSize <= 0 {
		return apperr.Validation("target_size", "must be positive")
	}
	if c.MinSize <= 0 {
		return apperr.Validation("min_size", "must be positive")
	}
	if c.MinSize > c.TargetSize {
		return apperr.Validation("min_size", "must not exceed target_size")
	}
	if c.Overlap < 0 || c.Overlap >= c.TargetSize {
		return apperr.Validation("overlap", "must be non-negative and smaller than target_size")
	}
	return nil
}

// ChunkDraft is one passage cut from a source's extracted text. Start and End
// are character offsets into the normalized text, half-open [Start, End).
// Consecutive drafts overlap by at most the configured overlap; their union
// covers the input with no gaps.
type ChunkDraft struct {
	Ordinal    int
	Start      int
	End        int
	Content    string
	TokenCount int
}

// separators in preference order when looking for a break point: paragraph,
// line, sentence, word.
var separators = []string{"\n\n", "\n", ". ", " "}

// Chunk splits text into overlapping passages. Each chunk advances by up to
// TargetSize characters of new text, breaking at the best natural boundary
// available (paragraph, then line, then sentence, then word, then a hard
// character split), and is prefixed with the last Overlap characters of the
// previous chunk. Deterministic for identical input and config.
func Chunk(text string, cfg ChunkConfig) ([]ChunkDraft, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil, apperr.Validation("text", "no extractable text")
	}

	if n <= cfg.MinSize {
		return []ChunkDraft{{
			Ordinal:    0,
			Start:      0,
			End:        n,
			Content:    text,
			TokenCount: estimateTokens(n),
		}}, nil
	}

	var drafts []ChunkDraft
	newStart := 0
	for newStart < n {
		if n-newStart <= cfg.MinSize && len(drafts) > 0 {
			// Tail too small to stand alone, extend the previous chunk.
			last := &drafts[len(drafts)-1]
			last.End = n
			last.Content = string(runes[last.Start:n])
			last.TokenCount = estimateTokens(last.End - last.Start)
			break
		}

		end := newStart + cfg.TargetSize
		if end >= n {
			end = n
		} else {
			end = breakPoint(runes, newStart+cfg.MinSize, end)
		}

		start := newStart - cfg.Overlap
		if start < 0 {
			start = 0
		}

		drafts = append(drafts, ChunkDraft{
			Ordinal:    len(drafts),
			Start:      start,
			End:        end,
			Content:    string(runes[start:end]),
			TokenCount: estimateTokens(end - start),
		})
		newStart = end
	}

	return drafts, nil
}

// breakPoint finds the best end position in (lo, ideal]. It prefers the last
// paragraph boundary before ideal, then line, sentence, and word boundaries,
// and falls back to a hard split at ideal. The separator itself stays with
// the earlier chunk so offsets remain gap-free.
func breakPoint(runes []rune, lo, ideal int) int {
	for _, sep := range separators {
		if p := lastIndexRunes(runes, sep, lo, ideal); p >= 0 {
			return p + len([]rune(sep))
		}
	}
	return ideal
}

// lastIndexRunes returns the largest p in [lo, hi-len(sep)] where sep starts
// at runes[p], or -1.
func lastIndexRunes(runes []rune, sep string, lo, hi int) int {
	sepRunes := []rune(sep)
	for p := hi - len(sepRunes); p >= lo; p-- {
		match := true
		for i, r := range sepRunes {
			if runes[p+i] != r {
				match = false
				break
			}
		}
		if match {
			return p
		}
	}
	return -1
}

func estimateTokens(chars int) int {
	// Approx 4 chars per token
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

var (
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	trailingWSRe  = regexp.MustCompile(`[ \t]+\n`)
	carriageRetRe = regexp.MustCompile(`\r\n?`)
)

const byteOrderMark = "\uFEFF"

// Normalize prepares extracted text for chunking: unifies line endings,
// strips a BOM and trailing whitespace, and collapses runs of blank lines.
// Chunk offsets are relative to the normalized text, which is deterministic,
// so re-extraction of unchanged content yields identical chunks.
func Normalize(s string) string {
	s = strings.TrimPrefix(s, byteOrderMark)
	s = carriageRetRe.ReplaceAllString(s, "\n")
	s = trailingWSRe.ReplaceAllString(s, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
