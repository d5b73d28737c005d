// Package extract turns uploaded files into plain UTF-8 text.
//
// Supported formats are plain text, Markdown, PDF, DOCX and legacy Word (.doc).
// Extraction recovers at the smallest unit it can: a PDF page or DOCX paragraph
// that fails to decode is logged and skipped, while an unreadable file is
// reported as an *ExtractionError.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies a supported source document type.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatDOC      Format = "doc"
)

var (
	// ErrUnsupportedFormat is returned for file types no extractor handles.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrExtraction matches every *ExtractionError.
	ErrExtraction = errors.New("extraction failed")
)

// ExtractionError describes a file that could not be read or decoded.
type ExtractionError struct {
	Path   string
	Format Format
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("extract %s (%s): %v", e.Path, e.Format, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is reports ErrExtraction as a match so callers need not use errors.As.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// Document is the result of extracting a file.
type Document struct {
	Text   string
	Title  string
	Format Format
	// Pages is the number of PDF pages read, zero for other formats.
	Pages int
	// Skipped counts pages or paragraphs that failed to decode and were dropped.
	Skipped int
}

var extensions = map[string]Format{
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".doc":      FormatDOC,
}

// DetectFormat resolves the format of path. A non-empty declared type wins over
// the file extension; it may be a format name ("pdf") or an extension (".pdf").
func DetectFormat(path, declared string) (Format, error) {
	if declared = strings.ToLower(strings.TrimSpace(declared)); declared != "" {
		switch f := Format(declared); f {
		case FormatText, FormatMarkdown, FormatPDF, FormatDOCX, FormatDOC:
			return f, nil
		}
		if !strings.HasPrefix(declared, ".") {
			declared = "." + declared
		}
		if f, ok := extensions[declared]; ok {
			return f, nil
		}
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, declared)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := extensions[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// Extract reads the file at path and returns its text.
// An unsupported type is an *ExtractionError wrapping ErrUnsupportedFormat,
// never an empty Document.
func Extract(ctx context.Context, path, declaredType string) (*Document, error) {
	format, err := DetectFormat(path, declaredType)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc *Document
	switch format {
	case FormatText:
		doc, err = extractText(path)
	case FormatMarkdown:
		doc, err = extractMarkdown(path)
	case FormatPDF:
		doc, err = extractPDF(ctx, path)
	case FormatDOCX:
		doc, err = extractDOCX(ctx, path)
	case FormatDOC:
		doc, err = extractDOC(path)
	}
	if err != nil {
		return nil, &ExtractionError{Path: path, Format: format, Err: err}
	}

	doc.Format = format
	if doc.Title == "" {
		doc.Title = titleFromFilename(path)
	}
	return doc, nil
}

// titleFromFilename turns "quarterly_report-2024.pdf" into "quarterly report 2024".
func titleFromFilename(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}
