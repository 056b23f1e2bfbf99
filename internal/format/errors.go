package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seekhub/doctrans/internal/document"
)

// Error codes surfaced with ParseError. Input errors are fatal for the
// job and never retried.
const (
	CodeUnsupported = "unsupported_format"
	CodeCorrupted   = "corrupted_input"
	CodeEncoding    = "bad_encoding"
	// CodeOCRRequired marks a PDF page that carries content streams but
	// yields zero extractable text. The job fails instead of silently
	// skipping the page.
	CodeOCRRequired = "ocr_required"
)

// ParseError reports unsupported or corrupted input.
type ParseError struct {
	Format  document.Format
	Code    string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse %s: [%s] %s", e.Format, e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

func newParseError(f document.Format, code, message string, cause error) *ParseError {
	return &ParseError{Format: f, Code: code, Message: message, Cause: cause}
}

// IncompleteTranslationError reports that reconstruction was asked to run
// without full segment coverage while partial output was not allowed.
type IncompleteTranslationError struct {
	// Missing holds the segment indices that have no usable translation,
	// ascending.
	Missing []int
}

func (e *IncompleteTranslationError) Error() string {
	idx := make([]string, 0, len(e.Missing))
	for _, i := range e.Missing {
		idx = append(idx, fmt.Sprintf("%d", i))
	}
	return fmt.Sprintf("incomplete translation: %d segment(s) missing or failed: %s",
		len(e.Missing), strings.Join(idx, ","))
}

func newIncompleteTranslationError(missing map[int]bool) *IncompleteTranslationError {
	idx := make([]int, 0, len(missing))
	for i := range missing {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return &IncompleteTranslationError{Missing: idx}
}
