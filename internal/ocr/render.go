package ocr

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToPPM renders PDF pages to PNG images with the pdftoppm CLI tool.
type PdfToPPM struct {
	binPath string
	dpi     int
	runner  Runner
}

// NewPdfToPPM creates a renderer. Zero dpi defaults to 300.
func NewPdfToPPM(binPath string, dpi int, runner Runner) *PdfToPPM {
	if binPath == "" {
		binPath = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &PdfToPPM{binPath: binPath, dpi: dpi, runner: runner}
}

// RenderPages writes one PNG per page into outDir and returns the image
// paths in page order.
func (r *PdfToPPM) RenderPages(ctx context.Context, pdfPath, outDir string) ([]string, error) {
	prefix := filepath.Join(outDir, "page")
	_, errb, err := r.runner.Run(ctx, r.binPath, "-r", strconv.Itoa(r.dpi), "-png", pdfPath, prefix)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftoppm failed for %s: %s", pdfPath, strings.TrimSpace(string(errb)))
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: glob rendered pages")
	}
	if len(matches) == 0 {
		return nil, eris.Errorf("ocr: pdftoppm produced no images for %s", pdfPath)
	}
	// pdftoppm zero-pads page numbers to the width of the page count, but
	// sort numerically anyway so page-10 never precedes page-9.
	sort.Slice(matches, func(i, j int) bool {
		return pageNumber(matches[i]) < pageNumber(matches[j])
	})
	return matches, nil
}

func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(base[idx+1:])
	return n
}
