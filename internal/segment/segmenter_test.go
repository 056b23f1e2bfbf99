package segment

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekhub/doctrans/internal/document"
)

func structureOf(texts ...string) *document.Structure {
	st := &document.Structure{}
	for i, text := range texts {
		st.Nodes = append(st.Nodes, document.TextNode{
			Ref:  document.NodeRef{Paragraph: i},
			Text: text,
		})
	}
	return st
}

// assertCoverage checks the partition invariant: every node's text is
// covered exactly once, in order, by the segment spans.
func assertCoverage(t *testing.T, st *document.Structure, segs []document.Segment) {
	t.Helper()
	next := make([]int, len(st.Nodes))
	for i, seg := range segs {
		require.Equal(t, i, seg.Index)
		for _, sp := range seg.Spans {
			require.Less(t, sp.NodeIndex, len(st.Nodes))
			require.Equal(t, next[sp.NodeIndex], sp.Start, "gap or overlap in node %d", sp.NodeIndex)
			require.GreaterOrEqual(t, sp.End, sp.Start)
			next[sp.NodeIndex] = sp.End
		}
	}
	for i, node := range st.Nodes {
		require.Equal(t, len(node.Text), next[i], "node %d not fully covered", i)
	}
}

func TestSplit_MergesShortNodes(t *testing.T) {
	st := structureOf("First sentence.", "Second sentence.", "Third sentence.")
	segs := New().Split(st)

	require.Len(t, segs, 1)
	assert.Equal(t, "First sentence.\nSecond sentence.\nThird sentence.", segs[0].Text)
	assert.Len(t, segs[0].Spans, 3)
	assertCoverage(t, st, segs)
}

func TestSplit_RespectsHardMax(t *testing.T) {
	var texts []string
	for i := 0; i < 20; i++ {
		texts = append(texts, strings.Repeat("word ", 30)+"end.")
	}
	st := structureOf(texts...)
	segs := New().Split(st)

	require.NotEmpty(t, segs)
	for _, seg := range segs {
		assert.LessOrEqual(t, utf8.RuneCountInString(seg.Text), DefaultHardMax)
	}
	assertCoverage(t, st, segs)
}

func TestSplit_OversizedNodeWithoutPunctuation(t *testing.T) {
	// 2000 chars, no sentence punctuation: must fall back to whitespace
	// cuts and still reassemble to the source text.
	source := strings.TrimSpace(strings.Repeat("lorem ipsum dolor sit amet ", 74))
	require.Greater(t, len(source), 1900)
	st := structureOf(source)

	segs := New().Split(st)

	require.Greater(t, len(segs), 1)
	var rebuilt strings.Builder
	for _, seg := range segs {
		require.Len(t, seg.Spans, 1)
		assert.LessOrEqual(t, utf8.RuneCountInString(seg.Text), DefaultHardMax)
		rebuilt.WriteString(seg.Text)
	}
	assert.Equal(t, source, rebuilt.String())
	assertCoverage(t, st, segs)
}

func TestSplit_OversizedNodeCutsAtSentences(t *testing.T) {
	sentence := "This is a complete sentence that carries some weight. "
	source := strings.TrimSpace(strings.Repeat(sentence, 30))
	st := structureOf(source)

	segs := New().Split(st)

	require.Greater(t, len(segs), 1)
	for _, seg := range segs[:len(segs)-1] {
		assert.True(t, strings.HasSuffix(strings.TrimRight(seg.Text, " "), "."),
			"segment should end at a sentence boundary: %q", seg.Text)
	}
	assertCoverage(t, st, segs)
}

func TestSplit_NewlineNodesNeverMerge(t *testing.T) {
	st := structureOf("short", "has\ninternal newline", "tail")
	segs := New().Split(st)

	for _, seg := range segs {
		if strings.Contains(seg.Text, "\n") && len(seg.Spans) > 1 {
			// A newline inside a merged segment would be ambiguous when
			// the translation is split back onto nodes.
			for _, sp := range seg.Spans {
				assert.NotContains(t, st.Nodes[sp.NodeIndex].Text, "\n")
			}
		}
	}
	assertCoverage(t, st, segs)
}

func TestSplit_TableCellsStaySeparate(t *testing.T) {
	st := &document.Structure{Nodes: []document.TextNode{
		{Ref: document.NodeRef{Paragraph: 0}, Text: "Intro paragraph.", TableCell: false},
		{Ref: document.NodeRef{Paragraph: 1}, Text: "Cell one", TableCell: true},
		{Ref: document.NodeRef{Paragraph: 2}, Text: "Cell two", TableCell: true},
	}}
	segs := New().Split(st)

	for _, seg := range segs {
		cells := 0
		for _, sp := range seg.Spans {
			if st.Nodes[sp.NodeIndex].TableCell {
				cells++
			}
		}
		assert.LessOrEqual(t, cells, 1, "table cells must not merge: %q", seg.Text)
	}
	assertCoverage(t, st, segs)
}

func TestSplit_BulletItemsStartFreshSegments(t *testing.T) {
	st := &document.Structure{Nodes: []document.TextNode{
		{Ref: document.NodeRef{Paragraph: 0}, Text: "Heading text."},
		{Ref: document.NodeRef{Paragraph: 1}, Text: "- first item", ListItem: true},
		{Ref: document.NodeRef{Paragraph: 2}, Text: "- second item", ListItem: true},
	}}
	segs := New().Split(st)

	// The heading must not share a segment with the first bullet.
	require.NotEmpty(t, segs)
	for _, sp := range segs[0].Spans {
		assert.False(t, st.Nodes[sp.NodeIndex].ListItem)
	}
	assertCoverage(t, st, segs)
}

func TestSplit_Deterministic(t *testing.T) {
	st := structureOf("Some text here.", "More text there.", strings.Repeat("x", 900))
	a := New().Split(st)
	b := New().Split(st)
	assert.Equal(t, a, b)
}

func TestSplit_EmptyStructure(t *testing.T) {
	segs := New().Split(&document.Structure{})
	assert.Empty(t, segs)
}

func TestSplit_AbbreviationsDoNotEndSentences(t *testing.T) {
	s := &Segmenter{SoftMin: 5, HardMax: 200}
	st := structureOf("He met Dr.", "Smith yesterday afternoon.")

	segs := s.Split(st)

	// "Dr." is not a sentence boundary, so the nodes stay merged.
	require.Len(t, segs, 1)
	assert.Equal(t, "He met Dr.\nSmith yesterday afternoon.", segs[0].Text)
	assertCoverage(t, st, segs)
}

func TestSplit_SentenceBoundaryClosesSegment(t *testing.T) {
	s := &Segmenter{SoftMin: 5, HardMax: 200}
	st := structureOf("A full stop here.", "A new thought starts.")

	segs := s.Split(st)

	require.Len(t, segs, 2)
	assert.Equal(t, "A full stop here.", segs[0].Text)
	assertCoverage(t, st, segs)
}
