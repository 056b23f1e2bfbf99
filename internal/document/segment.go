package document

// NodeSpan records which byte range of a node's source text a segment
// covers, so translated text can be redistributed during reconstruction.
type NodeSpan struct {
	NodeIndex int `json:"node_index"`
	// Start and End bound the covered range of the node's own text,
	// in bytes. A span covering the whole node has Start 0 and End
	// len(node.Text).
	Start int `json:"start"`
	End   int `json:"end"`
}

// Segment is one translation unit: one or more nodes grouped together.
// Segments partition the node sequence exactly once, in original order.
// A segment either covers a single node (fully or a contiguous slice of
// an oversized one) or covers two or more whole nodes joined with
// newlines; reconstruction relies on that shape.
type Segment struct {
	Index int        `json:"index"`
	Text  string     `json:"text"`
	Spans []NodeSpan `json:"spans"`
}

// SegmentStatus is the terminal per-segment translation outcome.
type SegmentStatus string

const (
	SegmentOK     SegmentStatus = "ok"
	SegmentFailed SegmentStatus = "failed"
	SegmentCached SegmentStatus = "cached"
)

// TranslatedSegment carries the translation result for one segment.
type TranslatedSegment struct {
	Index  int           `json:"index"`
	Text   string        `json:"text"`
	Status SegmentStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// Translated reports whether the segment carries usable translated text.
func (t TranslatedSegment) Translated() bool {
	return t.Status == SegmentOK || t.Status == SegmentCached
}
