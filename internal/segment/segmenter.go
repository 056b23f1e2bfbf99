// Package segment splits a parsed document's node sequence into bounded,
// semantically coherent translation units. Splitting is pure and
// deterministic: the same structure always yields the same segments, so
// cached translations stay valid across retries.
package segment

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/seekhub/doctrans/internal/document"
)

const (
	// DefaultSoftMin is the buffer size a segment must reach before a
	// sentence boundary closes it.
	DefaultSoftMin = 400
	// DefaultHardMax bounds every segment's text length in runes.
	DefaultHardMax = 800
)

// bulletPrefixRe matches bullet and numbering markers at line start.
var bulletPrefixRe = regexp.MustCompile(`^\s*([-•*‣◦·]|\d{1,3}[.)]|[a-zA-Z][.)]|[ivxlcIVXLC]{1,5}[.)])\s+`)

// Trailing tokens that look like sentence ends but are not.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "no": true, "vs": true,
	"etc": true, "al": true, "fig": true, "inc": true, "ltd": true,
	"co": true, "dept": true, "approx": true, "i.e": true, "e.g": true,
}

type Segmenter struct {
	SoftMin int
	HardMax int
}

func New() *Segmenter {
	return &Segmenter{SoftMin: DefaultSoftMin, HardMax: DefaultHardMax}
}

// Split walks the nodes in document order and groups them into segments.
// Invariants: the spans of all segments partition every node's text
// exactly once in order, and no segment text exceeds HardMax runes.
//
// Consecutive short nodes merge into one segment, joined with newlines;
// bullet, list and table-cell boundaries always start a fresh segment; a
// single node longer than HardMax is split at sentence boundaries, then
// whitespace, then as a last resort mid-word.
func (s *Segmenter) Split(st *document.Structure) []document.Segment {
	softMin, hardMax := s.SoftMin, s.HardMax
	if hardMax <= 0 {
		hardMax = DefaultHardMax
	}
	if softMin <= 0 || softMin > hardMax {
		softMin = hardMax / 2
	}

	var (
		segs  []document.Segment
		texts []string
		spans []document.NodeSpan
		size  int
	)

	flush := func() {
		if len(spans) == 0 {
			return
		}
		segs = append(segs, document.Segment{
			Index: len(segs),
			Text:  strings.Join(texts, "\n"),
			Spans: spans,
		})
		texts, spans, size = nil, nil, 0
	}

	for i, node := range st.Nodes {
		if structuralBoundary(st.Nodes, i) {
			flush()
		}

		runeCount := utf8.RuneCountInString(node.Text)

		if runeCount > hardMax {
			flush()
			for _, rg := range splitOversized(node.Text, hardMax) {
				segs = append(segs, document.Segment{
					Index: len(segs),
					Text:  node.Text[rg.start:rg.end],
					Spans: []document.NodeSpan{{NodeIndex: i, Start: rg.start, End: rg.end}},
				})
			}
			continue
		}

		// Nodes with internal newlines never merge: newline is the
		// in-segment node separator reconstruction splits on.
		if strings.Contains(node.Text, "\n") {
			flush()
			segs = append(segs, document.Segment{
				Index: len(segs),
				Text:  node.Text,
				Spans: []document.NodeSpan{{NodeIndex: i, Start: 0, End: len(node.Text)}},
			})
			continue
		}

		joined := runeCount
		if len(spans) > 0 {
			joined++ // joining newline
		}
		if size+joined > hardMax {
			flush()
			joined = runeCount
		}

		texts = append(texts, node.Text)
		spans = append(spans, document.NodeSpan{NodeIndex: i, Start: 0, End: len(node.Text)})
		size += joined

		if node.TableCell {
			flush()
			continue
		}
		if size >= softMin && endsSentence(node.Text) {
			flush()
		}
	}
	flush()
	return segs
}

// structuralBoundary reports whether node i must start a new segment:
// entering a table cell, a list item, a bullet line, or leaving any of
// those. Runs inside the same paragraph stay together.
func structuralBoundary(nodes []document.TextNode, i int) bool {
	node := nodes[i]
	if i == 0 {
		return false
	}
	prev := nodes[i-1]
	newParagraph := node.Ref.Part != prev.Ref.Part || node.Ref.Paragraph != prev.Ref.Paragraph

	if (node.TableCell || node.ListItem) && (newParagraph || !sameGroup(prev, node)) {
		return true
	}
	if (prev.TableCell || prev.ListItem) && newParagraph {
		return true
	}
	if bulletPrefixRe.MatchString(node.Text) {
		return true
	}
	return false
}

func sameGroup(a, b document.TextNode) bool {
	return a.TableCell == b.TableCell && a.ListItem == b.ListItem
}

// endsSentence reports whether the text closes at a sentence boundary:
// terminal punctuation at the end, with common abbreviations excluded.
func endsSentence(text string) bool {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	switch last {
	case '!', '?', '…', '。', '！', '？':
		return true
	case '.':
		return !endsWithAbbreviation(trimmed)
	}
	return false
}

func endsWithAbbreviation(text string) bool {
	body := strings.TrimSuffix(text, ".")
	cut := strings.LastIndexFunc(body, func(r rune) bool {
		return unicode.IsSpace(r) || r == '(' || r == '"'
	})
	word := body[cut+1:]
	if abbreviations[strings.ToLower(word)] {
		return true
	}
	// Single-letter initials: "J." in "J. Smith".
	if utf8.RuneCountInString(word) == 1 {
		r, _ := utf8.DecodeRuneInString(word)
		return unicode.IsUpper(r)
	}
	return false
}

type byteRange struct {
	start, end int
}

// splitOversized carves the text into contiguous byte ranges of at most
// max runes each, cutting preferentially at a sentence boundary, then at
// whitespace, then mid-word. Concatenating the ranges reproduces the
// source exactly.
func splitOversized(text string, max int) []byteRange {
	var ranges []byteRange
	start := 0
	for start < len(text) {
		rest := text[start:]
		if utf8.RuneCountInString(rest) <= max {
			ranges = append(ranges, byteRange{start, len(text)})
			break
		}

		windowEnd := runeOffset(rest, max)
		window := rest[:windowEnd]

		cut := sentenceCut(window)
		if cut <= 0 {
			cut = whitespaceCut(window)
		}
		if cut <= 0 {
			cut = windowEnd
		}
		ranges = append(ranges, byteRange{start, start + cut})
		start += cut
	}
	return ranges
}

// runeOffset returns the byte offset of the n-th rune.
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

// sentenceCut finds the last sentence boundary inside the window and
// returns the byte offset just past its trailing whitespace.
func sentenceCut(window string) int {
	best := -1
	for i, r := range window {
		switch r {
		case '.', '!', '?', '…', '。', '！', '？':
			next := i + utf8.RuneLen(r)
			if next >= len(window) {
				continue
			}
			nr, nw := utf8.DecodeRuneInString(window[next:])
			if !unicode.IsSpace(nr) {
				continue
			}
			if r == '.' && endsWithAbbreviation(window[:next]) {
				continue
			}
			best = next + nw
		}
	}
	return best
}

// whitespaceCut returns the byte offset just past the last whitespace
// rune in the window.
func whitespaceCut(window string) int {
	best := -1
	for i, r := range window {
		if unicode.IsSpace(r) {
			best = i + utf8.RuneLen(r)
		}
	}
	return best
}
