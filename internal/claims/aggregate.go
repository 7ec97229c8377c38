// Package claims collects candidate claims for a SKU from every source,
// normalizes and deduplicates them, flags cross-source conflicts and computes
// a reliability-weighted consensus per claim key.
package claims

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/vocab"
)

// claimNamespace seeds deterministic claim ids.
var claimNamespace = uuid.MustParse("6f1c0c55-3c1e-4f0e-9d43-8f3b1f7a2c10")

// AggregationError reports a SKU record that cannot be aggregated.
type AggregationError struct {
	SKUCode string
	Field   string
	Reason  string
}

func (e *AggregationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("claims: sku %q: %s", e.SKUCode, e.Reason)
	}
	return fmt.Sprintf("claims: sku %q: %s: %s", e.SKUCode, e.Field, e.Reason)
}

// LabelText is the extracted text of one label document.
type LabelText struct {
	DocumentID string
	Text       string
	Confidence float64
	Failed     bool
}

// LabelTexts builds aggregator input from the SKU's label documents as last
// extracted. Documents never extracted are skipped.
func LabelTexts(sku *model.SKU) []LabelText {
	var out []LabelText
	for _, d := range sku.Labels() {
		switch {
		case d.Status.Done():
			out = append(out, LabelText{DocumentID: d.ID, Text: d.Text, Confidence: d.Confidence})
		case d.Status == model.ExtractionFailed:
			out = append(out, LabelText{DocumentID: d.ID, Failed: true})
		}
	}
	return out
}

// Input is everything the aggregator needs for one SKU.
type Input struct {
	RunID  string
	SKU    *model.SKU
	Labels []LabelText
	// Human holds claims recorded by reviewer decisions, newest first.
	Human []model.Claim
	// At stamps the produced claims.
	At time.Time
}

// Consensus is the winning value for one claim key.
type Consensus struct {
	Key        string         `json:"key"`
	Value      string         `json:"value"`
	Source     model.Source   `json:"source"`
	Confidence float64        `json:"confidence"`
	Agreeing   []model.Source `json:"agreeing"`
	ClaimIDs   []string       `json:"claim_ids"`
	DocumentID string         `json:"document_id,omitempty"`
	Text       string         `json:"text"`
	Degraded   bool           `json:"degraded"`
	Conflicted bool           `json:"conflicted"`
}

// Aggregation is the aggregator output for one SKU.
type Aggregation struct {
	RunID     string                `json:"run_id"`
	SKUID     string                `json:"sku_id"`
	Claims    []model.Claim         `json:"claims"`
	Conflicts []model.ClaimConflict `json:"conflicts"`
	Consensus []Consensus           `json:"consensus"`
	Degraded  bool                  `json:"degraded"`
}

// ForKey returns the consensus for key.
func (a *Aggregation) ForKey(key string) (Consensus, bool) {
	for _, c := range a.Consensus {
		if c.Key == key {
			return c, true
		}
	}
	return Consensus{}, false
}

// ClaimsForKey returns the deduplicated claims for key.
func (a *Aggregation) ClaimsForKey(key string) []model.Claim {
	var out []model.Claim
	for _, c := range a.Claims {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}

// ConflictForKey returns the conflict for key, if any.
func (a *Aggregation) ConflictForKey(key string) (model.ClaimConflict, bool) {
	for _, c := range a.Conflicts {
		if c.Key == key {
			return c, true
		}
	}
	return model.ClaimConflict{}, false
}

// Config holds consensus tuning.
type Config struct {
	DescriptionBase float64
	DegradedFactor  float64
}

// Aggregator turns SKU records and extracted label text into claims.
type Aggregator struct {
	vocab *vocab.Vocabulary
	cfg   Config
}

// NewAggregator creates an Aggregator. Zero config values take defaults.
func NewAggregator(v *vocab.Vocabulary, cfg Config) *Aggregator {
	if cfg.DescriptionBase <= 0 {
		cfg.DescriptionBase = 0.9
	}
	if cfg.DegradedFactor <= 0 {
		cfg.DegradedFactor = 0.8
	}
	return &Aggregator{vocab: v, cfg: cfg}
}

// Aggregate extracts, normalizes and reconciles the claims of one SKU.
func (a *Aggregator) Aggregate(in Input) (*Aggregation, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	sku := in.SKU

	var raw []model.Claim
	raw = append(raw, a.humanClaims(in)...)
	raw = append(raw, a.supplierClaims(in)...)
	raw = append(raw, a.descriptionClaims(in)...)

	labels, degraded := a.labelClaims(in)
	raw = append(raw, labels...)

	deduped := dedup(raw)
	agg := &Aggregation{
		RunID:    in.RunID,
		SKUID:    sku.ID,
		Claims:   deduped,
		Degraded: degraded,
	}
	agg.Conflicts = conflicts(in.RunID, sku.ID, deduped)
	agg.Consensus = a.consensus(deduped, agg.Conflicts, degraded)

	zap.L().Debug("claims: aggregated",
		zap.String("sku", sku.Code),
		zap.Int("raw", len(raw)),
		zap.Int("claims", len(deduped)),
		zap.Int("conflicts", len(agg.Conflicts)),
		zap.Bool("degraded", degraded),
	)
	return agg, nil
}

func validate(in Input) error {
	if in.SKU == nil {
		return &AggregationError{Reason: "missing sku record"}
	}
	if strings.TrimSpace(in.SKU.Code) == "" {
		return &AggregationError{SKUCode: in.SKU.ID, Field: "code", Reason: "required"}
	}
	if strings.TrimSpace(in.SKU.ID) == "" {
		return &AggregationError{SKUCode: in.SKU.Code, Field: "id", Reason: "required"}
	}
	if in.RunID == "" {
		return &AggregationError{SKUCode: in.SKU.Code, Field: "run_id", Reason: "required"}
	}
	for k := range in.SKU.Attributes {
		if vocab.CanonicalKey(k) == "" {
			return &AggregationError{SKUCode: in.SKU.Code, Field: "attributes", Reason: fmt.Sprintf("unusable attribute name %q", k)}
		}
	}
	return nil
}

func (a *Aggregator) newClaim(in Input, key, value string, src model.Source, conf float64, docID, prov string) model.Claim {
	return model.Claim{
		ID:         ClaimID(in.RunID, in.SKU.ID, key, src),
		RunID:      in.RunID,
		SKUID:      in.SKU.ID,
		Key:        key,
		Value:      a.NormalizeValue(key, value),
		Source:     src,
		Confidence: conf,
		DocumentID: docID,
		Provenance: prov,
		CreatedAt:  in.At,
	}
}

// ClaimID derives a stable id from the claim's uniqueness tuple.
func ClaimID(runID, skuID, key string, src model.Source) string {
	return uuid.NewSHA1(claimNamespace, []byte(runID+"/"+skuID+"/"+key+"/"+string(src))).String()
}

func (a *Aggregator) humanClaims(in Input) []model.Claim {
	var out []model.Claim
	for _, c := range in.Human {
		if c.SKUID != in.SKU.ID || c.Source != model.SourceHuman {
			continue
		}
		c.Value = a.NormalizeValue(c.Key, c.Value)
		c.Confidence = 1.0
		out = append(out, c)
	}
	return out
}

// supplierClaims maps declared attributes (sorted by key) and then the free
// text claim list through the vocabulary.
func (a *Aggregator) supplierClaims(in Input) []model.Claim {
	keys := make([]string, 0, len(in.SKU.Attributes))
	for k := range in.SKU.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []model.Claim
	for _, k := range keys {
		key := vocab.CanonicalKey(k)
		out = append(out, a.newClaim(in, key, in.SKU.Attributes[k], model.SourceSupplier, 1.0, "", "attribute:"+k))
	}
	for _, phrase := range in.SKU.DeclaredClaims {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		if m, ok := a.vocab.Lookup(phrase); ok {
			out = append(out, a.newClaim(in, m.Key, m.Value, model.SourceSupplier, 1.0, "", "declared:"+phrase))
			continue
		}
		key := vocab.CanonicalKey(phrase)
		if key == "" {
			continue
		}
		out = append(out, a.newClaim(in, key, model.ValueTrue, model.SourceSupplier, 1.0, "", "declared:"+phrase))
	}
	return out
}

func (a *Aggregator) descriptionClaims(in Input) []model.Claim {
	var out []model.Claim
	for _, m := range a.vocab.Match(in.SKU.Description) {
		out = append(out, a.newClaim(in, m.Key, m.Value, model.SourceDescription,
			a.cfg.DescriptionBase*m.Specificity, "", m.Provenance()))
	}
	return out
}

// labelClaims scans each extracted label. degraded is true when the SKU has
// labels and every one of them failed extraction.
func (a *Aggregator) labelClaims(in Input) ([]model.Claim, bool) {
	var out []model.Claim
	failed := 0
	for _, l := range in.Labels {
		if l.Failed {
			failed++
			continue
		}
		for _, m := range a.vocab.Match(l.Text) {
			out = append(out, a.newClaim(in, m.Key, m.Value, model.SourceLabelOCR,
				l.Confidence*m.Specificity, l.DocumentID, m.Provenance()))
		}
	}
	return out, len(in.Labels) > 0 && failed == len(in.Labels)
}

// NormalizeValue canonicalizes a claim value: case folding, boolean mapping
// and unit normalization for quantity keys.
func (a *Aggregator) NormalizeValue(key, value string) string {
	// Casers carry state, so one is made per call.
	v := cases.Fold().String(strings.TrimSpace(value))
	if a.vocab.Numeric(key) {
		if n, unit, ok := vocab.ParseQuantity(v); ok {
			q, _ := vocab.NormalizeQuantity(fmt.Sprint(n), unit)
			return q
		}
		return v
	}
	switch v {
	case "true", "yes", "y", "1", "certified", "x", "✓":
		return model.ValueTrue
	case "false", "no", "n", "0", "none":
		return model.ValueFalse
	case "", "unknown", "n/a", "na", "?", "-":
		return model.ValueUnknown
	}
	return v
}

// dedup keeps the highest-confidence claim per (key, source); ties keep the
// first in input order. Output is sorted by key, then source priority.
func dedup(claims []model.Claim) []model.Claim {
	type slot struct {
		key string
		src model.Source
	}
	best := make(map[slot]int)
	var order []slot
	for i, c := range claims {
		s := slot{c.Key, c.Source}
		j, ok := best[s]
		if !ok {
			best[s] = i
			order = append(order, s)
			continue
		}
		if c.Confidence > claims[j].Confidence {
			best[s] = i
		}
	}

	out := make([]model.Claim, 0, len(order))
	for _, s := range order {
		out = append(out, claims[best[s]])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return sourceLess(out[i].Source, out[j].Source)
	})
	return out
}

// sourceLess orders by priority (highest first), then name.
func sourceLess(a, b model.Source) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() > b.Priority()
	}
	return a < b
}

// conflicts emits one ClaimConflict per key whose known values disagree.
// Unknown values count as absence. A human claim settles the key, so its
// conflict is emitted already resolved.
func conflicts(runID, skuID string, claims []model.Claim) []model.ClaimConflict {
	var out []model.ClaimConflict
	for _, group := range groupByKey(claims) {
		distinct := make(map[string]bool)
		var values []model.SourceValue
		human := false
		for _, c := range group {
			if c.Value == model.ValueUnknown {
				continue
			}
			distinct[c.Value] = true
			values = append(values, model.SourceValue{Source: c.Source, Value: c.Value, Confidence: c.Confidence})
			if c.Source == model.SourceHuman {
				human = true
			}
		}
		if len(distinct) < 2 {
			continue
		}
		out = append(out, model.ClaimConflict{
			RunID:    runID,
			SKUID:    skuID,
			Key:      group[0].Key,
			Values:   values,
			Resolved: human,
		})
	}
	return out
}

func groupByKey(claims []model.Claim) [][]model.Claim {
	var groups [][]model.Claim
	for i, c := range claims {
		if i == 0 || claims[i-1].Key != c.Key {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], c)
	}
	return groups
}

// consensus picks the winning value per key from the highest-priority
// source (ties by confidence) and combines the agreeing sources with a
// noisy-OR.
func (a *Aggregator) consensus(claims []model.Claim, confl []model.ClaimConflict, degraded bool) []Consensus {
	unresolved := make(map[string]bool)
	for _, c := range confl {
		if !c.Resolved {
			unresolved[c.Key] = true
		}
	}

	var out []Consensus
	for _, group := range groupByKey(claims) {
		winner := group[0]
		for _, c := range group[1:] {
			if c.Source.Priority() > winner.Source.Priority() ||
				(c.Source.Priority() == winner.Source.Priority() && c.Confidence > winner.Confidence) {
				winner = c
			}
		}

		cons := Consensus{
			Key:        winner.Key,
			Value:      winner.Value,
			Source:     winner.Source,
			DocumentID: winner.DocumentID,
			Text:       claimText(winner),
			Conflicted: unresolved[winner.Key],
		}
		miss := 1.0
		for _, c := range group {
			if c.Value != winner.Value {
				continue
			}
			miss *= 1 - clamp01(c.Confidence)
			cons.Agreeing = append(cons.Agreeing, c.Source)
			cons.ClaimIDs = append(cons.ClaimIDs, c.ID)
			if cons.DocumentID == "" && c.DocumentID != "" {
				cons.DocumentID = c.DocumentID
			}
		}
		cons.Confidence = 1 - miss
		if degraded {
			cons.Confidence *= a.cfg.DegradedFactor
			cons.Degraded = true
		}
		out = append(out, cons)
	}
	return out
}

// claimText is the human-readable claim used for classification: the matched
// span when there is one, otherwise the key in words.
func claimText(c model.Claim) string {
	if c.Source == model.SourceHuman {
		return strings.ReplaceAll(c.Key, "_", " ")
	}
	if i := strings.Index(c.Provenance, ":"); i >= 0 && i < len(c.Provenance)-1 {
		return c.Provenance[i+1:]
	}
	return strings.ReplaceAll(c.Key, "_", " ")
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
