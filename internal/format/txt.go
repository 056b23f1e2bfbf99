package format

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/seekhub/doctrans/internal/document"
)

type txtEncoding string

const (
	encUTF8    txtEncoding = "utf-8"
	encUTF16LE txtEncoding = "utf-16le"
	encUTF16BE txtEncoding = "utf-16be"
)

// txtLayout remembers what is needed to reproduce the original byte
// stream: source encoding and whether a BOM was present.
type txtLayout struct {
	encoding txtEncoding
	bom      bool
}

// TXTProcessor handles plain text documents. Text is normalized to UTF-8
// internally and re-encoded on reconstruction only when the source was
// not UTF-8. Each line becomes one node; the original line terminator of
// every line is preserved verbatim.
type TXTProcessor struct{}

func (p *TXTProcessor) Format() document.Format {
	return document.FormatTXT
}

func (p *TXTProcessor) Parse(_ context.Context, data []byte) (*document.Structure, error) {
	text, layout, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	nodes := splitLines(text)
	st := &document.Structure{
		Nodes: nodes,
		Metadata: document.Metadata{
			Format:    document.FormatTXT,
			PageCount: 1,
		},
		Layout: layout,
	}
	st.Metadata.WordCount = st.WordCount()
	return st, nil
}

func (p *TXTProcessor) Reconstruct(_ context.Context, st *document.Structure, segs []document.Segment, translated []document.TranslatedSegment, opts ReconstructOptions) ([]byte, error) {
	layout, ok := st.Layout.(*txtLayout)
	if !ok {
		return nil, newParseError(document.FormatTXT, CodeCorrupted, "structure carries no txt layout", nil)
	}

	texts, err := nodeTranslations(st, segs, translated, opts)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for i, node := range st.Nodes {
		sb.WriteString(texts[i])
		sb.WriteString(node.Attrs["eol"])
	}
	return encodeText(sb.String(), layout)
}

// splitLines splits on newlines keeping each line's terminator in the
// node attributes, so reconstruction reproduces \n vs \r\n exactly.
func splitLines(text string) []document.TextNode {
	if text == "" {
		return nil
	}
	var nodes []document.TextNode
	line := 0
	for len(text) > 0 {
		nl := strings.IndexByte(text, '\n')
		var body, eol string
		if nl < 0 {
			body, eol = text, ""
			text = ""
		} else if nl > 0 && text[nl-1] == '\r' {
			body, eol = text[:nl-1], "\r\n"
			text = text[nl+1:]
		} else {
			body, eol = text[:nl], "\n"
			text = text[nl+1:]
		}
		nodes = append(nodes, document.TextNode{
			Ref:   document.NodeRef{Line: line},
			Text:  body,
			Attrs: map[string]string{"eol": eol},
		})
		line++
		if eol == "" {
			break
		}
	}
	return nodes
}

func decodeText(data []byte) (string, *txtLayout, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		body := data[3:]
		if !utf8.Valid(body) {
			return "", nil, newParseError(document.FormatTXT, CodeEncoding, "invalid UTF-8 after BOM", nil)
		}
		return string(body), &txtLayout{encoding: encUTF8, bom: true}, nil

	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return decodeUTF16(data[2:], encUTF16BE, true)

	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return decodeUTF16(data[2:], encUTF16LE, true)

	case looksUTF16(data, 0):
		return decodeUTF16(data, encUTF16BE, false)

	case looksUTF16(data, 1):
		return decodeUTF16(data, encUTF16LE, false)

	default:
		if !utf8.Valid(data) {
			return "", nil, newParseError(document.FormatTXT, CodeEncoding, "text is not valid UTF-8", nil)
		}
		return string(data), &txtLayout{encoding: encUTF8, bom: false}, nil
	}
}

func decodeUTF16(body []byte, enc txtEncoding, bom bool) (string, *txtLayout, error) {
	endian := unicode.BigEndian
	if enc == encUTF16LE {
		endian = unicode.LittleEndian
	}
	decoded, err := unicode.UTF16(endian, unicode.IgnoreBOM).NewDecoder().Bytes(body)
	if err != nil {
		return "", nil, newParseError(document.FormatTXT, CodeEncoding, "invalid UTF-16 text", err)
	}
	return string(decoded), &txtLayout{encoding: enc, bom: bom}, nil
}

func encodeText(text string, layout *txtLayout) ([]byte, error) {
	switch layout.encoding {
	case encUTF8:
		out := []byte(text)
		if layout.bom {
			out = append([]byte{0xEF, 0xBB, 0xBF}, out...)
		}
		return out, nil
	case encUTF16BE, encUTF16LE:
		endian := unicode.BigEndian
		bomBytes := []byte{0xFE, 0xFF}
		if layout.encoding == encUTF16LE {
			endian = unicode.LittleEndian
			bomBytes = []byte{0xFF, 0xFE}
		}
		encoded, err := unicode.UTF16(endian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(text))
		if err != nil {
			return nil, newParseError(document.FormatTXT, CodeEncoding, "encode UTF-16 output", err)
		}
		if layout.bom {
			encoded = append(bomBytes, encoded...)
		}
		return encoded, nil
	}
	return nil, newParseError(document.FormatTXT, CodeEncoding, "unknown source encoding "+string(layout.encoding), nil)
}

// looksUTF16 is the no-BOM heuristic: ASCII-range text encoded as UTF-16
// puts a NUL at every other byte. phase 0 checks big endian (NUL first),
// phase 1 little endian.
func looksUTF16(data []byte, phase int) bool {
	if len(data) < 4 || len(data)%2 != 0 {
		return false
	}
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	nuls := 0
	for i := phase; i < len(sample); i += 2 {
		if sample[i] == 0 {
			nuls++
		}
	}
	return nuls*10 >= (len(sample)/2)*8
}
