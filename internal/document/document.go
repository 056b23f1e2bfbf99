// Package document holds the parsed-document model shared by the format
// processors, the segmenter and the translation orchestrator.
package document

// Format identifies the source document format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatTXT  Format = "txt"
)

func (f Format) Valid() bool {
	switch f {
	case FormatPDF, FormatDOCX, FormatTXT:
		return true
	}
	return false
}

// Metadata describes a parsed document. Immutable once parsing completes.
type Metadata struct {
	Format         Format `json:"format"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	PageCount      int    `json:"page_count"`
	WordCount      int    `json:"word_count"`
}

// NodeRef is a stable position reference for a TextNode. Which fields are
// meaningful depends on the format: page+block for PDF, part+paragraph+run
// for DOCX, line for TXT.
type NodeRef struct {
	Page      int    `json:"page,omitempty"`
	Block     int    `json:"block,omitempty"`
	Part      string `json:"part,omitempty"`
	Paragraph int    `json:"paragraph,omitempty"`
	Run       int    `json:"run,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// TextNode is one unit of original text with its position reference and
// inline formatting attributes. Attributes are opaque to everything except
// the format processor that created them.
type TextNode struct {
	Ref   NodeRef
	Text  string
	Attrs map[string]string

	// TableCell marks nodes extracted from table cells; the segmenter
	// never merges across a cell boundary.
	TableCell bool
	// ListItem marks bullet or numbered list entries.
	ListItem bool
}

// Structure is the parsed form of a document: the ordered node sequence,
// metadata, and an opaque format-specific layout payload needed for
// reconstruction. It is never mutated after Parse returns; translation
// output travels alongside it.
type Structure struct {
	Nodes    []TextNode
	Metadata Metadata

	// Layout is owned by the format processor variant that produced the
	// structure and is never interpreted elsewhere.
	Layout any
}

// WordCount counts whitespace-separated words over all nodes.
func (s *Structure) WordCount() int {
	total := 0
	for _, n := range s.Nodes {
		inWord := false
		for _, r := range n.Text {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				inWord = false
				continue
			}
			if !inWord {
				total++
				inWord = true
			}
		}
	}
	return total
}
