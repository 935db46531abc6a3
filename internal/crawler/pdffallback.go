package crawler

import (
	"bytes"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// renderFallbackPDF renders the parser subprocess's readable_content
// (markdown) to a PDF when no browser ever ran (browserless mode has no
// page to print), so store_pdf can still be honored. Only headings,
// paragraphs, and emphasis matter for readable article content, so the
// goldmark walk handles just those node kinds.
func renderFallbackPDF(title, markdown string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 14)
	pdf.MultiCell(0, 8, title, "", "L", false)
	pdf.Ln(4)
	pdf.SetFont("Arial", "", 10)

	source := []byte(markdown)
	doc := goldmark.New(goldmark.WithParserOptions(parser.WithAutoHeadingID())).Parser().Parse(text.NewReader(source))

	r := &fallbackRenderer{pdf: pdf, source: source}
	if err := ast.Walk(doc, r.walk); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fallbackRenderer struct {
	pdf    *fpdf.Fpdf
	source []byte
	bold   bool
}

func (r *fallbackRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n.Kind() {
	case ast.KindHeading:
		if entering {
			r.pdf.Ln(5)
			r.pdf.SetFont("Arial", "B", 12)
		} else {
			r.pdf.Ln(5)
			r.pdf.SetFont("Arial", "", 10)
		}
	case ast.KindParagraph:
		if !entering {
			r.pdf.Ln(6)
		}
	case ast.KindEmphasis:
		r.bold = entering
		style := ""
		if r.bold {
			style = "B"
		}
		r.pdf.SetFont("Arial", style, 10)
	case ast.KindText:
		if entering {
			r.pdf.Write(5, string(n.(*ast.Text).Text(r.source)))
		}
	}
	return ast.WalkContinue, nil
}
