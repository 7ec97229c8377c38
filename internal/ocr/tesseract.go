package ocr

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Tesseract runs the tesseract CLI with a fixed decoding configuration so
// repeated runs over the same image produce the same output.
type Tesseract struct {
	binPath string
	lang    string
	oem     int
	psm     int
	runner  Runner
}

// NewTesseract creates a tesseract wrapper.
func NewTesseract(binPath, lang string, oem, psm int, runner Runner) *Tesseract {
	if binPath == "" {
		binPath = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tesseract{binPath: binPath, lang: lang, oem: oem, psm: psm, runner: runner}
}

// PageResult is the OCR output for one page image.
type PageResult struct {
	Text    string
	Words   int
	ConfSum float64 // sum of word confidences on the 0-100 scale
}

// MeanConfidence returns the mean word confidence scaled to [0,1].
func (p PageResult) MeanConfidence() float64 {
	if p.Words == 0 {
		return 0
	}
	return p.ConfSum / float64(p.Words) / 100
}

// RecognizePage OCRs one image and returns its words in reading order.
func (t *Tesseract) RecognizePage(ctx context.Context, imagePath string) (PageResult, error) {
	out, errb, err := t.runner.Run(ctx, t.binPath, imagePath, "stdout",
		"--oem", strconv.Itoa(t.oem),
		"--psm", strconv.Itoa(t.psm),
		"-l", t.lang,
		"tsv",
	)
	if err != nil {
		return PageResult{}, eris.Wrapf(err, "ocr: tesseract failed for %s: %s", imagePath, strings.TrimSpace(string(errb)))
	}
	return ParseTSV(string(out)), nil
}

type tsvWord struct {
	block, par, line, word int
	conf                   float64
	text                   string
}

// ParseTSV parses tesseract TSV output. Words are ordered by block,
// paragraph, line and word number; lines are joined with newlines and
// paragraphs separated by a blank line. Rows with negative confidence are
// layout rows, not words.
func ParseTSV(tsv string) PageResult {
	var words []tsvWord
	for i, line := range strings.Split(tsv, "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(strings.TrimSpace(cols[10]), 64)
		if err != nil || conf < 0 {
			continue
		}
		text := strings.TrimSpace(strings.Join(cols[11:], "\t"))
		if text == "" {
			continue
		}
		words = append(words, tsvWord{
			block: atoi(cols[2]),
			par:   atoi(cols[3]),
			line:  atoi(cols[4]),
			word:  atoi(cols[5]),
			conf:  conf,
			text:  text,
		})
	}

	sort.SliceStable(words, func(i, j int) bool {
		a, b := words[i], words[j]
		if a.block != b.block {
			return a.block < b.block
		}
		if a.par != b.par {
			return a.par < b.par
		}
		if a.line != b.line {
			return a.line < b.line
		}
		return a.word < b.word
	})

	var res PageResult
	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			prev := words[i-1]
			switch {
			case prev.block != w.block || prev.par != w.par:
				sb.WriteString("\n\n")
			case prev.line != w.line:
				sb.WriteByte('\n')
			default:
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(w.text)
		res.Words++
		res.ConfSum += w.conf
	}
	res.Text = sb.String()
	return res
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
