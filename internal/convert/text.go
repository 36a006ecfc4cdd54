package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
)

// ErrEmptyText is returned for text input with no printable content.
var ErrEmptyText = errors.New("text file is empty or contains only whitespace")

// Text renders plain text into an A4 PDF: a title line, a creation stamp and
// the body wrapped to the page width.
type Text struct {
	now func() time.Time
}

// NewText constructs the TextToPdf converter.
func NewText() *Text {
	return &Text{now: time.Now}
}

// Convert implements registry.Converter.
func (c *Text) Convert(ctx context.Context, fc registry.FileContext) (*registry.Outcome, error) {
	raw, err := io.ReadAll(fc.Body)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body := normalizeText(string(raw))
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyText
	}
	name := filepath.Base(fc.FileName)

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetTitle(name, true)
	doc.SetCreator("ConvertDrop", true)
	doc.SetCreationDate(c.now().UTC())
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 16)
	doc.CellFormat(0, 10, tr("Document: "+name), "", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 9)
	doc.SetTextColor(110, 110, 110)
	doc.CellFormat(0, 6, "Created: "+c.now().UTC().Format("2006-01-02 15:04:05")+" UTC", "", 1, "L", false, 0, "")
	doc.SetTextColor(0, 0, 0)
	doc.Ln(4)

	doc.SetFont("Helvetica", "", 11)
	doc.MultiCell(0, 5.5, tr(body), "", "L", false)

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return &registry.Outcome{
		FileName:    strings.TrimSuffix(name, filepath.Ext(name)) + ".pdf",
		ContentType: contentTypePDF,
		Body:        buf.Bytes(),
	}, nil
}

func normalizeText(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\t", "    ")
}
