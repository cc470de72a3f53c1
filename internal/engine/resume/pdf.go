package resume

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	rscpdf "rsc.io/pdf"
)

// PlainPDF reads the text layer page by page.
var PlainPDF = Engine{Name: "pdf-plain", Fn: plainPDF}

// PositionalPDF rebuilds lines from positioned text runs. It copes with
// documents whose content streams the plain reader rejects.
var PositionalPDF = Engine{Name: "pdf-positional", Fn: positionalPDF}

func plainPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func positionalPDF(data []byte) (string, error) {
	r, err := rscpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		runs := page.Content().Text
		// Top to bottom, then left to right.
		sort.SliceStable(runs, func(a, b int) bool {
			if runs[a].Y != runs[b].Y {
				return runs[a].Y > runs[b].Y
			}
			return runs[a].X < runs[b].X
		})
		for j, t := range runs {
			if j > 0 {
				sb.WriteString(runSeparator(runs[j-1], t))
			}
			sb.WriteString(t.S)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// runSeparator infers the break between two consecutive runs. Spaces are not
// emitted as runs, so a word gap shows up only as horizontal distance.
func runSeparator(prev, t rscpdf.Text) string {
	switch {
	case t.Y != prev.Y:
		return "\n"
	case t.X > prev.X+prev.W+0.1*t.FontSize:
		return " "
	}
	return ""
}
