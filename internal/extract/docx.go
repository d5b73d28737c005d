package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"knowledge-rag/internal/contextutil"
)

type docxParagraph struct {
	Runs []struct {
		Text []string `xml:"t"`
	} `xml:"r"`
}

type docxCore struct {
	Title string `xml:"title"`
}

func extractDOCX(ctx context.Context, path string) (*Document, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open docx archive: %w", err)
	}
	defer zr.Close()

	body := findZipFile(&zr.Reader, "word/document.xml")
	if body == nil {
		return nil, errors.New("docx archive has no word/document.xml")
	}

	doc, err := readDOCXBody(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if core := findZipFile(&zr.Reader, "docProps/core.xml"); core != nil {
		doc.Title = readDOCXTitle(core)
	}
	return doc, nil
}

// readDOCXBody streams paragraphs out of document.xml. A paragraph with invalid
// text is skipped; a syntax error ends the scan and keeps what was read so far.
func readDOCXBody(ctx context.Context, path string, f *zip.File) (*Document, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open document.xml: %w", err)
	}
	defer rc.Close()

	logger := contextutil.LoggerFromContext(ctx)
	doc := &Document{}
	var paragraphs []string

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if len(paragraphs) == 0 {
				return nil, fmt.Errorf("failed to parse document.xml: %w", err)
			}
			doc.Skipped++
			logger.WarnContext(ctx, "docx body truncated by malformed xml", "path", path, "paragraphs_read", len(paragraphs), "error", err)
			break
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "p" {
			continue
		}

		var p docxParagraph
		if err := dec.DecodeElement(&p, &start); err != nil {
			doc.Skipped++
			logger.WarnContext(ctx, "stopping at undecodable docx paragraph", "path", path, "paragraphs_read", len(paragraphs), "error", err)
			break
		}

		var sb strings.Builder
		for _, r := range p.Runs {
			for _, t := range r.Text {
				sb.WriteString(t)
			}
		}
		text := sb.String()
		if !utf8.ValidString(text) {
			doc.Skipped++
			logger.WarnContext(ctx, "skipping docx paragraph with invalid text", "path", path, "paragraph", len(paragraphs))
			continue
		}
		paragraphs = append(paragraphs, text)
	}

	doc.Text = strings.TrimSpace(strings.Join(paragraphs, "\n"))
	return doc, nil
}

func readDOCXTitle(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()

	var core docxCore
	if err := xml.NewDecoder(rc).Decode(&core); err != nil {
		return ""
	}
	return strings.TrimSpace(core.Title)
}

func findZipFile(r *zip.Reader, name string) *zip.File {
	for _, f := range r.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}
