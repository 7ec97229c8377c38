// Package vocab holds the controlled claim vocabulary: a table of claim keys
// and the matchers that find them in free text. Description text and label
// OCR output are scanned with the same table.
package vocab

import (
	_ "embed"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default_vocabulary.yaml
var defaultVocabulary []byte

// Kind selects how an entry matches text.
type Kind string

const (
	KindExactPhrase     Kind = "exact_phrase"
	KindKeywordSet      Kind = "keyword_set"
	KindNumericWithUnit Kind = "numeric_with_unit"
)

// Specificity weights for each matcher kind.
const (
	SpecificityExact           = 1.0
	SpecificityKeywordSet      = 0.7
	SpecificityNumericLabelled = 1.0
	SpecificityNumericBare     = 0.8
)

// Entry is one row of the vocabulary table.
type Entry struct {
	Key              string   `yaml:"key"`
	Kind             Kind     `yaml:"kind"`
	Patterns         []string `yaml:"patterns,omitempty"`
	NegativePatterns []string `yaml:"negative_patterns,omitempty"`
	Keywords         []string `yaml:"keywords,omitempty"`
	Labels           []string `yaml:"labels,omitempty"`
	Units            []string `yaml:"units,omitempty"`

	positive []*regexp.Regexp
	negative []*regexp.Regexp
	keywords []*regexp.Regexp
	numeric  *regexp.Regexp
}

// Vocabulary is a compiled claim vocabulary.
type Vocabulary struct {
	Version string  `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Match is one claim found in a text.
type Match struct {
	Key         string
	Value       string
	Kind        Kind
	Specificity float64
	Span        string
}

// Provenance renders the match as "<kind>:<span>".
func (m Match) Provenance() string {
	return string(m.Kind) + ":" + m.Span
}

// Default returns the embedded vocabulary.
func Default() (*Vocabulary, error) {
	return Parse(defaultVocabulary)
}

// Load reads a vocabulary from path, or the embedded default when path is empty.
func Load(path string) (*Vocabulary, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vocab: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and compiles a YAML vocabulary.
func Parse(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrap(err, "vocab: parse yaml")
	}
	if len(v.Entries) == 0 {
		return nil, eris.New("vocab: no entries")
	}
	for i := range v.Entries {
		if err := v.Entries[i].compile(); err != nil {
			return nil, eris.Wrapf(err, "vocab: entry %d (%s)", i, v.Entries[i].Key)
		}
	}
	return &v, nil
}

func (e *Entry) compile() error {
	if e.Key == "" {
		return eris.New("key is required")
	}
	if CanonicalKey(e.Key) != e.Key {
		return eris.Errorf("key %q is not canonical", e.Key)
	}

	var err error
	if e.negative, err = compileAll(e.NegativePatterns); err != nil {
		return err
	}

	switch e.Kind {
	case KindExactPhrase:
		if len(e.Patterns) == 0 {
			return eris.New("exact_phrase requires patterns")
		}
		e.positive, err = compileAll(e.Patterns)
		return err
	case KindKeywordSet:
		if len(e.Keywords) < 2 {
			return eris.New("keyword_set requires at least two keywords")
		}
		for _, kw := range e.Keywords {
			re, err := regexp.Compile(`(?i)\b(?:` + kw + `)\b`)
			if err != nil {
				return eris.Wrapf(err, "keyword %q", kw)
			}
			e.keywords = append(e.keywords, re)
		}
		return nil
	case KindNumericWithUnit:
		return e.compileNumeric()
	default:
		return eris.Errorf("unknown kind %q", e.Kind)
	}
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, eris.Wrapf(err, "pattern %q", p)
		}
		out = append(out, re)
	}
	return out, nil
}

func (e *Entry) compileNumeric() error {
	if len(e.Units) == 0 {
		return eris.New("numeric_with_unit requires units")
	}
	var symbols []string
	for _, family := range e.Units {
		syms := unitSymbols(family)
		if len(syms) == 0 {
			return eris.Errorf("unknown unit family %q", family)
		}
		symbols = append(symbols, syms...)
	}
	// Longest first so "kg" wins over "g" and "kcal" over "cal".
	sort.Slice(symbols, func(i, j int) bool {
		if len(symbols[i]) != len(symbols[j]) {
			return len(symbols[i]) > len(symbols[j])
		}
		return symbols[i] < symbols[j]
	})
	for i, s := range symbols {
		symbols[i] = regexp.QuoteMeta(s)
	}

	label := `()`
	if len(e.Labels) > 0 {
		label = `(?:\b(` + strings.Join(e.Labels, "|") + `)\s*[:\-]?\s*)?`
	}
	re, err := regexp.Compile(`(?i)` + label + `\b(\d+(?:[.,]\d+)?)\s*(` + strings.Join(symbols, "|") + `)\b`)
	if err != nil {
		return eris.Wrap(err, "numeric pattern")
	}
	e.numeric = re
	return nil
}

// Match scans text and returns at most one match per key, ordered by key.
// A negative pattern for a key overrides any positive match and yields
// value "false". When several entries match the same key the most specific
// one is kept.
func (v *Vocabulary) Match(text string) []Match {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	sentences := splitSentences(text)

	best := make(map[string]Match)
	negated := make(map[string]Match)
	for i := range v.Entries {
		e := &v.Entries[i]
		if m, ok := e.matchNegative(text); ok {
			if _, seen := negated[e.Key]; !seen {
				negated[e.Key] = m
			}
			continue
		}
		m, ok := e.match(text, sentences)
		if !ok {
			continue
		}
		if cur, seen := best[e.Key]; !seen || m.Specificity > cur.Specificity {
			best[e.Key] = m
		}
	}
	for key, m := range negated {
		best[key] = m
	}

	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Lookup maps a free-text claim phrase such as "100% Organic" to a
// vocabulary key.
func (v *Vocabulary) Lookup(phrase string) (Match, bool) {
	matches := v.Match(phrase)
	if len(matches) == 0 {
		return Match{}, false
	}
	// Prefer the most specific match; ties go to key order.
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Specificity > best.Specificity {
			best = m
		}
	}
	return best, true
}

// Keys returns the distinct keys of the vocabulary in sorted order.
func (v *Vocabulary) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, e := range v.Entries {
		if !seen[e.Key] {
			seen[e.Key] = true
			keys = append(keys, e.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Numeric reports whether key is matched as a quantity.
func (v *Vocabulary) Numeric(key string) bool {
	for _, e := range v.Entries {
		if e.Key == key && e.Kind == KindNumericWithUnit {
			return true
		}
	}
	return false
}

func (e *Entry) matchNegative(text string) (Match, bool) {
	for _, re := range e.negative {
		if span := re.FindString(text); span != "" {
			return Match{Key: e.Key, Value: "false", Kind: e.Kind, Specificity: SpecificityExact, Span: span}, true
		}
	}
	return Match{}, false
}

func (e *Entry) match(text string, sentences []string) (Match, bool) {
	switch e.Kind {
	case KindExactPhrase:
		for _, re := range e.positive {
			if span := re.FindString(text); span != "" {
				return Match{Key: e.Key, Value: "true", Kind: e.Kind, Specificity: SpecificityExact, Span: span}, true
			}
		}
	case KindKeywordSet:
		for _, s := range sentences {
			if e.allKeywords(s) {
				return Match{Key: e.Key, Value: "true", Kind: e.Kind, Specificity: SpecificityKeywordSet, Span: strings.TrimSpace(s)}, true
			}
		}
	case KindNumericWithUnit:
		return e.matchNumeric(text)
	}
	return Match{}, false
}

func (e *Entry) allKeywords(sentence string) bool {
	for _, re := range e.keywords {
		if !re.MatchString(sentence) {
			return false
		}
	}
	return true
}

// matchNumeric prefers a labelled quantity over the first bare one.
func (e *Entry) matchNumeric(text string) (Match, bool) {
	all := e.numeric.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return Match{}, false
	}
	pick := all[0]
	for _, m := range all {
		if m[1] != "" {
			pick = m
			break
		}
	}
	value, ok := NormalizeQuantity(pick[2], pick[3])
	if !ok {
		return Match{}, false
	}
	spec := SpecificityNumericBare
	if pick[1] != "" {
		spec = SpecificityNumericLabelled
	}
	return Match{Key: e.Key, Value: value, Kind: e.Kind, Specificity: spec, Span: strings.TrimSpace(pick[0])}, true
}

var reSentence = regexp.MustCompile(`[.!?;\n]+`)

func splitSentences(text string) []string {
	parts := reSentence.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

var reNonKey = regexp.MustCompile(`[^a-z0-9]+`)

// CanonicalKey converts a free-form attribute name ("Gluten-Free",
// "Net Weight") to snake_case.
func CanonicalKey(s string) string {
	return strings.Trim(reNonKey.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_"), "_")
}

type unit struct {
	family    string
	canonical string
	factor    float64
}

var units = map[string]unit{
	"mg":     {"mass", "g", 0.001},
	"g":      {"mass", "g", 1},
	"gr":     {"mass", "g", 1},
	"gram":   {"mass", "g", 1},
	"grams":  {"mass", "g", 1},
	"kg":     {"mass", "g", 1000},
	"oz":     {"mass", "g", 28.349523125},
	"lb":     {"mass", "g", 453.59237},
	"lbs":    {"mass", "g", 453.59237},
	"ml":     {"volume", "ml", 1},
	"cl":     {"volume", "ml", 10},
	"l":      {"volume", "ml", 1000},
	"litre":  {"volume", "ml", 1000},
	"litres": {"volume", "ml", 1000},
	"liter":  {"volume", "ml", 1000},
	"liters": {"volume", "ml", 1000},
	"kcal":   {"energy", "kcal", 1},
	"kj":     {"energy", "kcal", 1 / 4.184},
}

func unitSymbols(family string) []string {
	var out []string
	for sym, u := range units {
		if u.family == family {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// NormalizeQuantity converts a number and unit symbol to the canonical
// "<number><unit>" form: grams for mass, millilitres for volume and kcal
// for energy. Decimal commas are accepted.
func NormalizeQuantity(number, symbol string) (string, bool) {
	u, ok := units[strings.ToLower(strings.TrimSpace(symbol))]
	if !ok {
		return "", false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(number), ",", "."), 64)
	if err != nil {
		return "", false
	}
	v := math.Round(n*u.factor*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + u.canonical, true
}

// ParseQuantity splits a canonical quantity such as "500g" into its number
// and unit.
func ParseQuantity(s string) (float64, string, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != ','
	})
	if i <= 0 {
		return 0, "", false
	}
	canonical, ok := NormalizeQuantity(s[:i], s[i:])
	if !ok {
		return 0, "", false
	}
	j := strings.IndexFunc(canonical, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != '-'
	})
	n, err := strconv.ParseFloat(canonical[:j], 64)
	if err != nil {
		return 0, "", false
	}
	return n, canonical[j:], true
}
