package scanning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFText reads the embedded text layer of digital PDF receipts and hands
// everything else (images, scanned PDFs) to the wrapped Scanner.
type PDFText struct {
	next Scanner
}

// NewPDFText wraps next
func NewPDFText(next Scanner) *PDFText {
	return &PDFText{next: next}
}

// ScanText returns the PDF text layer when there is one, otherwise the wrapped scanner's result
func (p *PDFText) ScanText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	if isPDF(imageData, contentType) {
		text, err := pdfTextLayer(imageData)
		switch {
		case err != nil:
			slog.Debug("PDF text layer unreadable, falling back to OCR", "error", err)
		case text != "":
			return text, nil
		}
	}
	return p.next.ScanText(ctx, imageData, contentType)
}

// Close closes the wrapped Scanner
func (p *PDFText) Close() error {
	return p.next.Close()
}

func isPDF(data []byte, contentType string) bool {
	if strings.EqualFold(strings.TrimSpace(contentType), "application/pdf") {
		return true
	}
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// pdfTextLayer rebuilds the printed lines of every page, top to bottom.
// It returns "" for PDFs that carry no text (scanned images).
func pdfTextLayer(data []byte) (text string, err error) {
	// the parser panics on some malformed documents
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("reading PDF text: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}

	var lines []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		lines = append(lines, pageLines(page.Content().Text)...)
	}

	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// pageLines groups text runs sharing a baseline into lines, reading order
func pageLines(runs []pdf.Text) []string {
	rows := map[int][]pdf.Text{}
	for _, t := range runs {
		y := int(math.Round(t.Y))
		rows[y] = append(rows[y], t)
	}

	ys := make([]int, 0, len(rows))
	for y := range rows {
		ys = append(ys, y)
	}
	// PDF y grows upwards
	sort.Sort(sort.Reverse(sort.IntSlice(ys)))

	lines := make([]string, 0, len(ys))
	for _, y := range ys {
		row := rows[y]
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })

		var b strings.Builder
		for i, t := range row {
			if i > 0 {
				prev := row[i-1]
				// a gap wider than a fifth of the font size is a word break
				if t.X-(prev.X+prev.W) > prev.FontSize*0.2 {
					b.WriteByte(' ')
				}
			}
			b.WriteString(t.S)
		}
		if line := strings.TrimSpace(b.String()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
