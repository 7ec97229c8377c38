// Package ocr wraps the poppler and tesseract command-line tools used to
// pull text out of label artwork and certificates.
package ocr

import (
	"context"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
)

// Toolkit bundles the external text-extraction tools.
type Toolkit struct {
	Text      *PdfToText
	Render    *PdfToPPM
	Tesseract *Tesseract
}

// NewToolkit builds the toolkit from config. A nil runner uses os/exec.
func NewToolkit(cfg config.ExtractConfig, runner Runner) *Toolkit {
	return &Toolkit{
		Text:      NewPdfToText(cfg.PdfToTextPath, runner),
		Render:    NewPdfToPPM(cfg.PdfToPPMPath, cfg.DPI, runner),
		Tesseract: NewTesseract(cfg.TesseractPath, cfg.OCRLang, cfg.OCREngineMode, cfg.OCRPageSegMode, runner),
	}
}

// PageCount validates the PDF and counts its pages.
func (t *Toolkit) PageCount(_ context.Context, path string) (int, error) {
	return PageCount(path)
}

// TextPages returns the embedded text of each page.
func (t *Toolkit) TextPages(ctx context.Context, path string) ([]string, error) {
	return t.Text.ExtractPages(ctx, path)
}

// RenderPages rasterizes each page into outDir.
func (t *Toolkit) RenderPages(ctx context.Context, path, outDir string) ([]string, error) {
	return t.Render.RenderPages(ctx, path, outDir)
}

// RecognizePage OCRs one page image.
func (t *Toolkit) RecognizePage(ctx context.Context, imagePath string) (PageResult, error) {
	return t.Tesseract.RecognizePage(ctx, imagePath)
}
