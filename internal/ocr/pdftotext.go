package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText extracts embedded text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
	runner  Runner
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string, runner Runner) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &PdfToText{binPath: binPath, runner: runner}
}

// ExtractPages runs pdftotext -layout and splits stdout into pages on form feed.
func (p *PdfToText) ExtractPages(ctx context.Context, pdfPath string) ([]string, error) {
	out, errb, err := p.runner.Run(ctx, p.binPath, "-layout", "-enc", "UTF-8", "-eol", "unix", pdfPath, "-")
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", pdfPath, strings.TrimSpace(string(errb)))
	}

	pages := strings.Split(string(out), "\f")
	// pdftotext terminates the last page with a form feed too.
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	return pages, nil
}
