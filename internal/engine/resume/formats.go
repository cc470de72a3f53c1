package resume

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrUnsupportedFormat marks an attachment whose extension has no extractor.
	ErrUnsupportedFormat = errors.New("unsupported resume format")
	// ErrNoText marks a document that parsed but yielded no text.
	ErrNoText = errors.New("no text extracted")
)

// Format is a resume document format, keyed by file extension.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatDOC  Format = "doc"
	FormatTXT  Format = "txt"
	FormatHTML Format = "html"
)

// DetectFormat maps a filename to a Format by its extension, case-insensitively.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return FormatPDF, nil
	case ".docx":
		return FormatDOCX, nil
	case ".doc":
		return FormatDOC, nil
	case ".txt":
		return FormatTXT, nil
	case ".html", ".htm":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
}

// ContentType returns the MIME type used when archiving a document.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatDOC:
		return "application/msword"
	case FormatTXT:
		return "text/plain; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	}
	return "application/octet-stream"
}

// Engine turns document bytes into text.
type Engine struct {
	Name string
	Fn   func(data []byte) (string, error)
}

// run calls the engine, converting a panic inside a parser into an error.
func (e Engine) run(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", e.Name, r)
		}
	}()
	return e.Fn(data)
}

// firstOf tries engines in order and returns the first non-empty text.
// An engine that succeeds with blank output falls through to the next one.
func firstOf(data []byte, engines ...Engine) (string, error) {
	var errs []error
	for _, e := range engines {
		text, err := e.run(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}
		if strings.TrimSpace(text) == "" {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, ErrNoText))
			continue
		}
		return text, nil
	}
	return "", errors.Join(errs...)
}
