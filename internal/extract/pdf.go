package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"knowledge-rag/internal/contextutil"
)

func extractPDF(ctx context.Context, path string) (*Document, error) {
	f, r, err := openPDF(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	logger := contextutil.LoggerFromContext(ctx)
	doc := &Document{Pages: r.NumPage()}

	pages := make([]string, 0, doc.Pages)
	for i := 1; i <= doc.Pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := pageText(r, i)
		if err != nil {
			doc.Skipped++
			logger.WarnContext(ctx, "skipping unreadable pdf page", "path", path, "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}

	doc.Text = strings.Join(pages, "\n")
	if info := r.Trailer().Key("Info"); !info.IsNull() {
		doc.Title = strings.TrimSpace(info.Key("Title").Text())
	}
	return doc, nil
}

// openPDF wraps pdf.Open, which panics on some malformed cross-reference tables.
func openPDF(path string) (f *os.File, r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	return file, reader, nil
}

func pageText(r *pdf.Reader, num int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page decode panic: %v", rec)
		}
	}()
	page := r.Page(num)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}
