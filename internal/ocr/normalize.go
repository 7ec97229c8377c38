package ocr

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	reCRLF        = regexp.MustCompile(`\r\n?`)
	reTabs        = regexp.MustCompile(`\t+`)
	reMultiSpace  = regexp.MustCompile(` {2,}`)
	reTrailSpace  = regexp.MustCompile(`(?m)[ ]+$`)
	reManyNewline = regexp.MustCompile(`\n{3,}`)
)

// Normalize canonicalizes extracted text: NFKC folds ligatures and
// full-width forms, then whitespace runs are collapsed.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = reCRLF.ReplaceAllString(s, "\n")
	s = strings.ReplaceAll(s, "\f", "\n\n")
	s = reTabs.ReplaceAllString(s, " ")
	s = reMultiSpace.ReplaceAllString(s, " ")
	s = reTrailSpace.ReplaceAllString(s, "")
	s = reManyNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// AlphaCount returns the number of letters in s.
func AlphaCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
