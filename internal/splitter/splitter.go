// Package splitter implements a recursive character text splitter in the
// style db.py and ai.py build on top of LangChain's RecursiveCharacterTextSplitter.
// No equivalent library surfaced anywhere in the retrieved example pack (the
// teacher's own text-processing dependencies — tiktoken-go, pongo2 — are
// tokenizer/templating tools, not chunkers), so this is a from-scratch,
// stdlib-only implementation; see DESIGN.md for that justification.
package splitter

import "strings"

// DefaultSeparators is the boundary preference order used by both the
// embedding splitter (§4.5) and the enrichment splitter (§4.6): paragraph,
// then line, then sentence-ish punctuation, then word, then character.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "? ", "! ", " ", ""}

// Config controls chunk sizing.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// Split recursively breaks text into chunks no larger than cfg.ChunkSize,
// preferring to break on the earliest separator in cfg.Separators that
// yields pieces small enough to keep whole, and falling back to harder
// separators (eventually raw character splitting) when necessary. Adjacent
// chunks overlap by cfg.ChunkOverlap characters. Empty/whitespace-only
// chunks are dropped.
func Split(text string, cfg Config) []string {
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 2000
	}

	raw := splitRecursive(text, seps, cfg.ChunkSize)
	merged := mergeWithOverlap(raw, cfg.ChunkSize, cfg.ChunkOverlap)

	out := make([]string, 0, len(merged))
	for _, c := range merged {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// splitRecursive breaks text into pieces no larger than chunkSize using the
// first workable separator, recursing into oversized pieces with the
// remaining separators.
func splitRecursive(text string, separators []string, chunkSize int) []string {
	if len(text) <= chunkSize {
		return []string{text}
	}
	if len(separators) == 0 {
		return splitByLength(text, chunkSize)
	}

	sep := separators[0]
	rest := separators[1:]

	var pieces []string
	if sep == "" {
		pieces = splitByLength(text, chunkSize)
	} else {
		pieces = splitKeepSeparator(text, sep)
	}

	var out []string
	for _, p := range pieces {
		if len(p) > chunkSize {
			out = append(out, splitRecursive(p, rest, chunkSize)...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

func splitKeepSeparator(text, sep string) []string {
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitByLength(text string, chunkSize int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// mergeWithOverlap greedily packs the small pieces splitRecursive produced
// back up toward chunkSize, carrying chunkOverlap characters of context
// forward into the next chunk.
func mergeWithOverlap(pieces []string, chunkSize, chunkOverlap int) []string {
	if len(pieces) == 0 {
		return nil
	}

	var out []string
	var current strings.Builder
	for _, p := range pieces {
		if current.Len() > 0 && current.Len()+len(p) > chunkSize {
			out = append(out, current.String())
			carry := overlapTail(current.String(), chunkOverlap)
			current.Reset()
			current.WriteString(carry)
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

func overlapTail(s string, overlap int) string {
	if overlap <= 0 || len(s) <= overlap {
		return ""
	}
	return s[len(s)-overlap:]
}
