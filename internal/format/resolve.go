package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seekhub/doctrans/internal/document"
)

// nodeTranslations redistributes translated segment text back onto the
// node sequence. The returned slice holds the output text for every node
// in st.Nodes, in order.
//
// Multi-node segments were joined with newlines by the segmenter; when
// the translated text splits back into the same number of pieces they map
// one to one, otherwise the whole text lands on the segment's first node
// so no content is lost. Segments without a usable translation either
// fall back to the original source slice (AllowPartial) or fail with
// IncompleteTranslationError.
func nodeTranslations(st *document.Structure, segs []document.Segment, translated []document.TranslatedSegment, opts ReconstructOptions) ([]string, error) {
	byIndex := make(map[int]document.TranslatedSegment, len(translated))
	for _, ts := range translated {
		byIndex[ts.Index] = ts
	}

	ordered := make([]document.Segment, len(segs))
	copy(ordered, segs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	parts := make([][]string, len(st.Nodes))
	covered := make([]int, len(st.Nodes))
	missing := make(map[int]bool)

	for _, seg := range ordered {
		ts, ok := byIndex[seg.Index]
		usable := ok && ts.Translated()
		if !usable && !opts.AllowPartial {
			missing[seg.Index] = true
			continue
		}

		pieces := segmentPieces(st, seg, ts, usable)
		for i, sp := range seg.Spans {
			if sp.NodeIndex < 0 || sp.NodeIndex >= len(st.Nodes) {
				return nil, fmt.Errorf("segment %d references node %d out of range", seg.Index, sp.NodeIndex)
			}
			parts[sp.NodeIndex] = append(parts[sp.NodeIndex], pieces[i])
			covered[sp.NodeIndex] += sp.End - sp.Start
		}
	}

	if len(missing) > 0 {
		return nil, newIncompleteTranslationError(missing)
	}

	out := make([]string, len(st.Nodes))
	for i, node := range st.Nodes {
		if covered[i] != len(node.Text) {
			return nil, fmt.Errorf("segment coverage gap at node %d: %d of %d bytes covered", i, covered[i], len(node.Text))
		}
		out[i] = strings.Join(parts[i], "")
	}
	return out, nil
}

// segmentPieces returns one output piece per span of the segment.
func segmentPieces(st *document.Structure, seg document.Segment, ts document.TranslatedSegment, usable bool) []string {
	pieces := make([]string, len(seg.Spans))

	if !usable {
		// Untranslated passthrough: original source slices.
		for i, sp := range seg.Spans {
			pieces[i] = st.Nodes[sp.NodeIndex].Text[sp.Start:sp.End]
		}
		return pieces
	}

	if len(seg.Spans) == 1 {
		pieces[0] = ts.Text
		return pieces
	}

	split := strings.Split(ts.Text, "\n")
	if len(split) == len(seg.Spans) {
		copy(pieces, split)
		return pieces
	}

	// Piece count drifted in translation; keep everything on the first
	// node rather than dropping text.
	pieces[0] = ts.Text
	for i := 1; i < len(pieces); i++ {
		pieces[i] = ""
	}
	return pieces
}
