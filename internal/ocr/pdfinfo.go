package ocr

import (
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
)

// pdfConfig relaxes validation; supplier PDFs are frequently slightly off-spec
// but still render and extract fine.
func pdfConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// PageCount validates a PDF and returns its page count.
func PageCount(path string) (int, error) {
	if err := api.ValidateFile(path, pdfConfig()); err != nil {
		return 0, eris.Wrapf(err, "ocr: invalid pdf %s", path)
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, eris.Wrapf(err, "ocr: page count %s", path)
	}
	return n, nil
}
