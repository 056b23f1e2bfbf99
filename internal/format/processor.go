// Package format parses raw document bytes into the document model and
// reconstructs translated output bytes from it. One processor variant
// exists per supported format; a factory selects the variant from the
// file extension with magic-byte sniffing as fallback.
package format

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/seekhub/doctrans/internal/document"
)

// ReconstructOptions controls how missing translations are handled.
type ReconstructOptions struct {
	// AllowPartial keeps untranslated source text in place for segments
	// that failed; when false, missing coverage is an
	// IncompleteTranslationError.
	AllowPartial bool
}

// Processor is the two-operation contract every format variant satisfies.
// Reconstruct receives the segments produced by the segmenter alongside
// their translations; the segment spans carry the node back-references
// needed to redistribute translated text.
type Processor interface {
	Format() document.Format
	Parse(ctx context.Context, data []byte) (*document.Structure, error)
	Reconstruct(ctx context.Context, st *document.Structure, segs []document.Segment, translated []document.TranslatedSegment, opts ReconstructOptions) ([]byte, error)
}

// ForDocument returns the processor for the given file, detecting the
// format from the extension first and from content when the extension is
// absent or does not match any supported format.
func ForDocument(name string, data []byte) (Processor, error) {
	f, err := Detect(name, data)
	if err != nil {
		return nil, err
	}
	return ForFormat(f)
}

// ForFormat returns the processor variant for a known format.
func ForFormat(f document.Format) (Processor, error) {
	switch f {
	case document.FormatTXT:
		return &TXTProcessor{}, nil
	case document.FormatDOCX:
		return &DOCXProcessor{}, nil
	case document.FormatPDF:
		return NewPDFProcessor(), nil
	}
	return nil, newParseError(f, CodeUnsupported, "no processor for format", nil)
}

// Detect resolves the document format from the file extension, falling
// back to magic-byte sniffing. A recognized magic signature wins over a
// contradicting extension so a mislabeled upload still reaches the
// right processor; plain text carries no signature and never overrides
// an extension.
func Detect(name string, data []byte) (document.Format, error) {
	byExt := extensionFormat(name)
	if magic := sniffMagic(data); magic != "" && magic != byExt {
		return magic, nil
	}
	if byExt != "" {
		return byExt, nil
	}
	return sniff(data)
}

func extensionFormat(name string) document.Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return document.FormatPDF
	case ".docx":
		return document.FormatDOCX
	case ".txt", ".text":
		return document.FormatTXT
	}
	return ""
}

// sniffMagic recognizes the unambiguous content signatures only.
func sniffMagic(data []byte) document.Format {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return document.FormatPDF
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) && isDocxArchive(data) {
		return document.FormatDOCX
	}
	return ""
}

func sniff(data []byte) (document.Format, error) {
	if f := sniffMagic(data); f != "" {
		return f, nil
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return "", newParseError("", CodeUnsupported, "zip archive is not a docx document", nil)
	}
	if looksLikeText(data) {
		return document.FormatTXT, nil
	}
	return "", newParseError("", CodeUnsupported, "unrecognized document content", nil)
}

func isDocxArchive(data []byte) bool {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			return true
		}
	}
	return false
}

// looksLikeText accepts UTF-8 (optionally with BOM), UTF-16 with BOM, and
// rejects content with NUL bytes outside a UTF-16 layout.
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if hasUTF16BOM(data) {
		return true
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
		// Trim a possibly split trailing rune.
		for len(sample) > 0 && !utf8.RuneStart(sample[len(sample)-1]) {
			sample = sample[:len(sample)-1]
		}
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	return utf8.Valid(sample)
}

func hasUTF16BOM(data []byte) bool {
	return len(data) >= 2 &&
		((data[0] == 0xFE && data[1] == 0xFF) || (data[0] == 0xFF && data[1] == 0xFE))
}
