package format

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekhub/doctrans/internal/document"
	"github.com/seekhub/doctrans/internal/segment"
)

// identity returns every segment translated to its own source text.
func identity(segs []document.Segment) []document.TranslatedSegment {
	ret := make([]document.TranslatedSegment, 0, len(segs))
	for _, seg := range segs {
		ret = append(ret, document.TranslatedSegment{
			Index:  seg.Index,
			Text:   seg.Text,
			Status: document.SegmentOK,
		})
	}
	return ret
}

func TestTXT_IdentityRoundTrip(t *testing.T) {
	cases := map[string]string{
		"unix newlines":    "First line.\nSecond line.\nThird line.\n",
		"windows newlines": "First line.\r\nSecond line.\r\n",
		"mixed newlines":   "One.\nTwo.\r\nThree.",
		"no trailing eol":  "Only line without terminator",
		"blank lines":      "Top.\n\n\nBottom.\n",
		"unicode":          "Héllo wörld.\n中文文本。\n",
	}

	p := &TXTProcessor{}
	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			data := []byte(source)
			st, err := p.Parse(context.Background(), data)
			require.NoError(t, err)

			segs := segment.New().Split(st)
			out, err := p.Reconstruct(context.Background(), st, segs, identity(segs), ReconstructOptions{})
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestTXT_IdentityRoundTrip_OversizedLine(t *testing.T) {
	// A single line longer than the hard segment bound must survive the
	// split-and-reassemble path byte for byte.
	var line []byte
	for i := 0; i < 200; i++ {
		line = append(line, []byte("some words here ")...)
	}
	data := append(line, '\n')

	p := &TXTProcessor{}
	st, err := p.Parse(context.Background(), data)
	require.NoError(t, err)

	segs := segment.New().Split(st)
	require.Greater(t, len(segs), 1)

	out, err := p.Reconstruct(context.Background(), st, segs, identity(segs), ReconstructOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestTXT_UTF8BOMPreserved(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Hello.\n")...)

	p := &TXTProcessor{}
	st, err := p.Parse(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, st.Nodes, 1)
	assert.Equal(t, "Hello.", st.Nodes[0].Text)

	segs := segment.New().Split(st)
	out, err := p.Reconstruct(context.Background(), st, segs, identity(segs), ReconstructOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestTXT_UTF16LERoundTrip(t *testing.T) {
	// "Hi.\n" as UTF-16LE with BOM.
	data := []byte{0xFF, 0xFE, 'H', 0x00, 'i', 0x00, '.', 0x00, '\n', 0x00}

	p := &TXTProcessor{}
	st, err := p.Parse(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, st.Nodes, 1)
	assert.Equal(t, "Hi.", st.Nodes[0].Text)

	segs := segment.New().Split(st)
	out, err := p.Reconstruct(context.Background(), st, segs, identity(segs), ReconstructOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestTXT_UTF16WithoutBOMDetected(t *testing.T) {
	// ASCII text as UTF-16LE, no BOM: every other byte is NUL.
	data := []byte{'H', 0x00, 'e', 0x00, 'l', 0x00, 'l', 0x00, 'o', 0x00, '.', 0x00}

	p := &TXTProcessor{}
	st, err := p.Parse(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, st.Nodes, 1)
	assert.Equal(t, "Hello.", st.Nodes[0].Text)
}

func TestTXT_InvalidUTF8Rejected(t *testing.T) {
	p := &TXTProcessor{}
	_, err := p.Parse(context.Background(), []byte{'o', 'k', 0xC3, 0x28, 'x'})

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeEncoding, perr.Code)
}

func TestTXT_EmptyDocument(t *testing.T) {
	p := &TXTProcessor{}
	st, err := p.Parse(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, st.Nodes)

	out, err := p.Reconstruct(context.Background(), st, nil, nil, ReconstructOptions{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTXT_TranslatedTextReplacesLines(t *testing.T) {
	p := &TXTProcessor{}
	st, err := p.Parse(context.Background(), []byte("Hello world.\nGoodbye now.\n"))
	require.NoError(t, err)

	segs := segment.New().Split(st)
	require.Len(t, segs, 1)
	require.Len(t, segs[0].Spans, 2)

	translated := []document.TranslatedSegment{{
		Index:  0,
		Text:   "Hola mundo.\nAdiós ahora.",
		Status: document.SegmentOK,
	}}
	out, err := p.Reconstruct(context.Background(), st, segs, translated, ReconstructOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hola mundo.\nAdiós ahora.\n", string(out))
}

func TestTXT_PartialFailureFallsBackToSource(t *testing.T) {
	p := &TXTProcessor{}
	st, err := p.Parse(context.Background(), []byte("Keep me.\nTranslate me.\n"))
	require.NoError(t, err)

	s := &segment.Segmenter{SoftMin: 2, HardMax: 800}
	segs := s.Split(st)
	require.Len(t, segs, 2)

	translated := []document.TranslatedSegment{
		{Index: 0, Status: document.SegmentFailed, Error: "backend unavailable"},
		{Index: 1, Text: "Tradúceme.", Status: document.SegmentOK},
	}

	// Without the partial-output escape hatch the document is rejected.
	_, err = p.Reconstruct(context.Background(), st, segs, translated, ReconstructOptions{})
	var incomplete *IncompleteTranslationError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{0}, incomplete.Missing)

	// With it, failed segments keep the source text.
	out, err := p.Reconstruct(context.Background(), st, segs, translated, ReconstructOptions{AllowPartial: true})
	require.NoError(t, err)
	assert.Equal(t, "Keep me.\nTradúceme.\n", string(out))
}
