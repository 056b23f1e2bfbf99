package pipeline

import (
	"errors"
	"fmt"

	"github.com/seekhub/doctrans/internal/format"
)

// Code is the stable, machine-readable error code surfaced on failed
// jobs alongside the human-readable summary.
type Code string

const (
	CodeUnsupportedFormat     Code = "UNSUPPORTED_FORMAT"
	CodeCorruptedInput        Code = "CORRUPTED_INPUT"
	CodeEncoding              Code = "BAD_ENCODING"
	CodeOCRRequired           Code = "OCR_REQUIRED"
	CodeSegmentation          Code = "SEGMENTATION_INVARIANT"
	CodeTranslationIncomplete Code = "TRANSLATION_INCOMPLETE"
	CodeReconstruction        Code = "RECONSTRUCTION_FAILED"
	CodeStorage               Code = "STORAGE_IO"
	CodeTimeout               Code = "TIMEOUT"
	CodeCancelled             Code = "CANCELLED"
	CodeInternal              Code = "INTERNAL"
)

// Error is the typed pipeline error the runner attaches to failed jobs.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// classifyParse maps format-level parse failures onto job error codes.
func classifyParse(err error) *Error {
	var pe *format.ParseError
	if errors.As(err, &pe) {
		code := CodeCorruptedInput
		switch pe.Code {
		case format.CodeUnsupported:
			code = CodeUnsupportedFormat
		case format.CodeEncoding:
			code = CodeEncoding
		case format.CodeOCRRequired:
			code = CodeOCRRequired
		}
		return newError(code, "document parsing failed", err)
	}
	return newError(CodeCorruptedInput, "document parsing failed", err)
}
