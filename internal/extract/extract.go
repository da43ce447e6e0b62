// Package extract turns uploaded files into plain text suitable for
// submission to the indexing backend.
package extract

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	maxPDFPages          = 200
	maxExtractedTextSize = 2 << 20 // 2MB
)

// Text extracts plain text from an uploaded file based on its extension.
// PDF files are parsed page by page; everything else is treated as UTF-8
// text. Binary garbage in a non-PDF upload is rejected.
func Text(filename string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return pdfText(data)
	default:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("file %s is not valid UTF-8 text", filename)
		}
		return string(data), nil
	}
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	pages := reader.NumPage()
	if pages == 0 {
		return "", fmt.Errorf("pdf has no pages")
	}
	if pages > maxPDFPages {
		return "", fmt.Errorf("pdf has %d pages, max is %d", pages, maxPDFPages)
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extracting page %d: %w", i, err)
		}
		if b.Len()+len(text) > maxExtractedTextSize {
			return "", fmt.Errorf("extracted text exceeds %d bytes", maxExtractedTextSize)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return out, nil
}
