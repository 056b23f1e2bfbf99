package format

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/seekhub/doctrans/internal/document"
)

// docxLayout keeps the original archive bytes; reconstruction copies the
// archive entry by entry and rewrites only the text-bearing parts.
type docxLayout struct {
	archive []byte
}

// DOCXProcessor handles Word documents. Parsing walks word/document.xml
// plus headers and footers; every non-empty <w:t> run becomes one node.
// Reconstruction replaces run text in place and never changes the XML
// tree shape, so styles, tables, numbering and section breaks survive.
type DOCXProcessor struct{}

func (p *DOCXProcessor) Format() document.Format {
	return document.FormatDOCX
}

func (p *DOCXProcessor) Parse(_ context.Context, data []byte) (*document.Structure, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newParseError(document.FormatDOCX, CodeCorrupted, "open docx archive", err)
	}

	parts := textParts(r)
	if len(parts) == 0 {
		return nil, newParseError(document.FormatDOCX, CodeCorrupted, "word/document.xml not found in archive", nil)
	}

	var nodes []document.TextNode
	for _, part := range parts {
		partNodes, err := parsePart(r, part)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, partNodes...)
	}

	st := &document.Structure{
		Nodes: nodes,
		Metadata: document.Metadata{
			Format:    document.FormatDOCX,
			PageCount: readPageCount(r),
		},
		Layout: &docxLayout{archive: data},
	}
	st.Metadata.WordCount = st.WordCount()
	return st, nil
}

func (p *DOCXProcessor) Reconstruct(_ context.Context, st *document.Structure, segs []document.Segment, translated []document.TranslatedSegment, opts ReconstructOptions) ([]byte, error) {
	layout, ok := st.Layout.(*docxLayout)
	if !ok {
		return nil, newParseError(document.FormatDOCX, CodeCorrupted, "structure carries no docx layout", nil)
	}

	texts, err := nodeTranslations(st, segs, translated, opts)
	if err != nil {
		return nil, err
	}

	// part name -> run ordinal -> replacement text
	repl := make(map[string]map[int]string)
	for i, node := range st.Nodes {
		m := repl[node.Ref.Part]
		if m == nil {
			m = make(map[int]string)
			repl[node.Ref.Part] = m
		}
		m[node.Ref.Block] = texts[i]
	}

	r, err := zip.NewReader(bytes.NewReader(layout.archive), int64(len(layout.archive)))
	if err != nil {
		return nil, newParseError(document.FormatDOCX, CodeCorrupted, "reopen docx archive", err)
	}

	var out bytes.Buffer
	w := zip.NewWriter(&out)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, newParseError(document.FormatDOCX, CodeCorrupted, "open archive entry "+f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, newParseError(document.FormatDOCX, CodeCorrupted, "read archive entry "+f.Name, err)
		}

		if m, ok := repl[f.Name]; ok {
			content = rewriteRunText(content, m)
		}

		fw, err := w.CreateHeader(&zip.FileHeader{Name: f.Name, Method: f.Method})
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// textParts lists the archive parts that carry document text: the main
// document plus headers and footers, main document first.
func textParts(r *zip.Reader) []string {
	var parts []string
	for _, f := range r.File {
		switch {
		case f.Name == "word/document.xml":
			parts = append(parts, f.Name)
		case strings.HasPrefix(f.Name, "word/header") && strings.HasSuffix(f.Name, ".xml"):
			parts = append(parts, f.Name)
		case strings.HasPrefix(f.Name, "word/footer") && strings.HasSuffix(f.Name, ".xml"):
			parts = append(parts, f.Name)
		}
	}
	sort.Slice(parts, func(i, j int) bool {
		if (parts[i] == "word/document.xml") != (parts[j] == "word/document.xml") {
			return parts[i] == "word/document.xml"
		}
		return parts[i] < parts[j]
	})
	return parts
}

// parsePart streams one XML part and extracts its runs in document order.
// The run ordinal (Ref.Block) counts every <w:t> element, including empty
// ones, so it matches the ordinal seen by rewriteRunText.
func parsePart(r *zip.Reader, part string) ([]document.TextNode, error) {
	var raw []byte
	for _, f := range r.File {
		if f.Name == part {
			rc, err := f.Open()
			if err != nil {
				return nil, newParseError(document.FormatDOCX, CodeCorrupted, "open "+part, err)
			}
			raw, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, newParseError(document.FormatDOCX, CodeCorrupted, "read "+part, err)
			}
			break
		}
	}

	decoder := xml.NewDecoder(bytes.NewReader(raw))

	var nodes []document.TextNode
	var (
		tIndex    = -1
		paragraph = -1
		run       = -1
		tblDepth  int
		inText    bool
		listItem  bool
		style     string
		text      strings.Builder
	)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newParseError(document.FormatDOCX, CodeCorrupted, "malformed XML in "+part, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
			case "p":
				paragraph++
				run = -1
				listItem = false
				style = ""
			case "r":
				run++
			case "numPr":
				listItem = true
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "t":
				tIndex++
				inText = true
				text.Reset()
			}

		case xml.CharData:
			if inText {
				text.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth--
			case "t":
				inText = false
				if text.Len() == 0 {
					continue
				}
				attrs := map[string]string{}
				if style != "" {
					attrs["style"] = style
				}
				nodes = append(nodes, document.TextNode{
					Ref: document.NodeRef{
						Part:      part,
						Block:     tIndex,
						Paragraph: paragraph,
						Run:       run,
					},
					Text:      text.String(),
					Attrs:     attrs,
					TableCell: tblDepth > 0,
					ListItem:  listItem,
				})
			}
		}
	}
	return nodes, nil
}

// rewriteRunText replaces the text of targeted <w:t> runs by scanning the
// raw part bytes, leaving every other byte untouched. Rewriting at the
// byte level sidesteps namespace mangling a full decode/encode cycle
// would introduce.
func rewriteRunText(content []byte, repl map[int]string) []byte {
	var out bytes.Buffer
	out.Grow(len(content) + len(content)/8)

	ordinal := -1
	pos := 0
	for {
		idx := indexRunTag(content, pos)
		if idx < 0 {
			out.Write(content[pos:])
			break
		}
		out.Write(content[pos:idx])

		tagEnd := bytes.IndexByte(content[idx:], '>')
		if tagEnd < 0 {
			out.Write(content[idx:])
			break
		}
		tagEnd += idx
		ordinal++

		selfClosing := content[tagEnd-1] == '/'
		newText, replace := repl[ordinal]

		if selfClosing {
			if replace && newText != "" {
				attrs := string(content[idx+len("<w:t") : tagEnd-1])
				out.WriteString(runOpenTag(attrs, newText))
				writeEscaped(&out, newText)
				out.WriteString("</w:t>")
			} else {
				out.Write(content[idx : tagEnd+1])
			}
			pos = tagEnd + 1
			continue
		}

		closeIdx := bytes.Index(content[tagEnd+1:], []byte("</w:t>"))
		if closeIdx < 0 {
			out.Write(content[idx:])
			break
		}
		closeIdx += tagEnd + 1

		if replace {
			attrs := string(content[idx+len("<w:t") : tagEnd])
			out.WriteString(runOpenTag(attrs, newText))
			writeEscaped(&out, newText)
			out.WriteString("</w:t>")
		} else {
			out.Write(content[idx : closeIdx+len("</w:t>")])
		}
		pos = closeIdx + len("</w:t>")
	}
	return out.Bytes()
}

// indexRunTag finds the next "<w:t" occurrence that starts a w:t element
// rather than w:tbl, w:tc or similar.
func indexRunTag(content []byte, from int) int {
	for {
		idx := bytes.Index(content[from:], []byte("<w:t"))
		if idx < 0 {
			return -1
		}
		idx += from
		next := idx + len("<w:t")
		if next < len(content) {
			switch content[next] {
			case '>', ' ', '\t', '\r', '\n', '/':
				return idx
			}
		}
		from = idx + 1
	}
}

// runOpenTag rebuilds the opening tag, adding xml:space="preserve" when
// the replacement has edge whitespace and the original attrs don't pin it.
func runOpenTag(attrs, text string) string {
	needsPreserve := text != strings.TrimSpace(text)
	if needsPreserve && !strings.Contains(attrs, "xml:space") {
		attrs += ` xml:space="preserve"`
	}
	return "<w:t" + attrs + ">"
}

func writeEscaped(out *bytes.Buffer, text string) {
	_ = xml.EscapeText(out, []byte(text))
}

// readPageCount pulls the page count from docProps/app.xml when present.
func readPageCount(r *zip.Reader) int {
	for _, f := range r.File {
		if f.Name != "docProps/app.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return 0
		}
		decoder := xml.NewDecoder(bytes.NewReader(raw))
		inPages := false
		for {
			tok, err := decoder.Token()
			if err != nil {
				return 0
			}
			switch t := tok.(type) {
			case xml.StartElement:
				inPages = t.Name.Local == "Pages"
			case xml.CharData:
				if inPages {
					n, _ := strconv.Atoi(strings.TrimSpace(string(t)))
					return n
				}
			}
		}
	}
	return 0
}
