package verify

import (
	_ "embed"
	"encoding/json"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

//go:embed default_classifier.json
var defaultClassifier []byte

// Classifier is a TF-IDF logistic model over unigrams and bigrams.
type Classifier struct {
	Version   string             `json:"version"`
	IDF       map[string]float64 `json:"idf"`
	Weights   map[string]float64 `json:"weights"`
	Bias      float64            `json:"bias"`
	StopWords []string           `json:"stop_words"`

	stop map[string]bool
}

// DefaultClassifier returns the embedded model.
func DefaultClassifier() (*Classifier, error) {
	return ParseClassifier(defaultClassifier)
}

// LoadClassifier reads a model artifact from path, or the embedded default
// when path is empty.
func LoadClassifier(path string) (*Classifier, error) {
	if path == "" {
		return DefaultClassifier()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &VerificationError{Reason: "classifier unavailable", Err: err}
	}
	return ParseClassifier(data)
}

// ParseClassifier decodes a JSON model artifact.
func ParseClassifier(data []byte) (*Classifier, error) {
	var c Classifier
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &VerificationError{Reason: "classifier is not valid json", Err: err}
	}
	if c.Version == "" {
		return nil, &VerificationError{Reason: "classifier invalid", Err: eris.New("verify: classifier has no version")}
	}
	if len(c.IDF) == 0 || len(c.Weights) == 0 {
		return nil, &VerificationError{Reason: "classifier invalid", Err: eris.New("verify: classifier has no features")}
	}
	c.stop = make(map[string]bool, len(c.StopWords))
	for _, w := range c.StopWords {
		c.stop[w] = true
	}
	return &c, nil
}

// Score returns the probability that the claim text is a valid claim, given
// its product context.
func (c *Classifier) Score(text, context string) float64 {
	x := c.Vectorize(strings.TrimSpace(text + " " + context))
	keys := make([]string, 0, len(x))
	for k := range x {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	z := c.Bias
	for _, k := range keys {
		z += c.Weights[k] * x[k]
	}
	return 1 / (1 + math.Exp(-z))
}

// Vectorize returns the L2-normalized TF-IDF vector of text. Features unknown
// to the model are dropped.
func (c *Classifier) Vectorize(text string) map[string]float64 {
	tokens := c.tokens(text)
	tf := make(map[string]float64)
	for i, tok := range tokens {
		tf[tok]++
		if i > 0 {
			tf[tokens[i-1]+" "+tok]++
		}
	}

	x := make(map[string]float64)
	keys := make([]string, 0, len(tf))
	for k := range tf {
		if _, ok := c.IDF[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var norm float64
	for _, k := range keys {
		v := tf[k] * c.IDF[k]
		x[k] = v
		norm += v * v
	}
	if norm == 0 {
		return x
	}
	norm = math.Sqrt(norm)
	for _, k := range keys {
		x[k] /= norm
	}
	return x
}

func (c *Classifier) tokens(text string) []string {
	folded := cases.Fold().String(text)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !c.stop[f] {
			out = append(out, f)
		}
	}
	return out
}
