// Package verify turns aggregated claims into verdicts using a versioned rule
// set, a TF-IDF classifier and the SKU's certificates.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/claims"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
)

// VerificationError reports a missing or invalid rule set or classifier.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "verify: " + e.Reason
	}
	return fmt.Sprintf("verify: %s: %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

var verdictNamespace = uuid.MustParse("3f0c5a52-7d8e-4c1b-9a57-1d2f6b4e8c90")

// VerdictID derives a stable verdict id from its run, SKU and key.
func VerdictID(runID, skuID, key string) string {
	return uuid.NewSHA1(verdictNamespace, []byte(runID+"/"+skuID+"/"+key)).String()
}

// Engine evaluates claims. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	rules *RuleSet
	clf   *Classifier
	th    Thresholds
}

// NewEngine validates its collaborators.
func NewEngine(rules *RuleSet, clf *Classifier, th Thresholds) (*Engine, error) {
	if rules == nil || rules.byKey == nil {
		return nil, &VerificationError{Reason: "rule set missing"}
	}
	if clf == nil {
		return nil, &VerificationError{Reason: "classifier unavailable"}
	}
	if th.Accept == 0 && th.Reject == 0 {
		th.Accept, th.Reject = DefaultThresholds.Accept, DefaultThresholds.Reject
	}
	if th.MinConfidence == 0 {
		th.MinConfidence = DefaultThresholds.MinConfidence
	}
	if th.Reject >= th.Accept {
		return nil, &VerificationError{
			Reason: "thresholds invalid",
			Err:    eris.Errorf("verify: reject threshold %.2f must be below accept threshold %.2f", th.Reject, th.Accept),
		}
	}
	return &Engine{rules: rules, clf: clf, th: th}, nil
}

// Load builds an engine from configured artifact paths, using the embedded
// defaults for empty paths.
func Load(cfg config.VerifyConfig) (*Engine, error) {
	rules, err := LoadRuleSet(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	clf, err := LoadClassifier(cfg.ClassifierPath)
	if err != nil {
		return nil, err
	}
	return NewEngine(rules, clf, Thresholds{
		Accept:        cfg.AcceptThreshold,
		Reject:        cfg.RejectThreshold,
		MinConfidence: cfg.MinConfidence,
	})
}

// RuleVersion is the version of the loaded rule set.
func (e *Engine) RuleVersion() string { return e.rules.Version }

// ModelVersion is the version of the loaded classifier.
func (e *Engine) ModelVersion() string { return e.clf.Version }

// Input is everything Verify needs for one SKU.
type Input struct {
	RunID       string
	SKU         *model.SKU
	Aggregation *claims.Aggregation
	// Previous holds the SKU's current verdicts, used to carry human
	// overrides across runs.
	Previous []model.Verdict
	// Keys restricts verification to the named claim keys. Certificate
	// lifecycle verdicts are only produced when Keys is empty.
	Keys []string
	// AsOf is the date certificates are checked against.
	AsOf time.Time
}

// Verify produces one verdict per claim key plus certificate lifecycle
// verdicts. The result is sorted by key and depends only on the input.
func (e *Engine) Verify(in Input) ([]model.Verdict, error) {
	if in.SKU == nil || in.Aggregation == nil {
		return nil, eris.New("verify: sku and aggregation are required")
	}
	only := make(map[string]bool, len(in.Keys))
	for _, k := range in.Keys {
		only[k] = true
	}
	prev := make(map[string]model.Verdict, len(in.Previous))
	for _, v := range in.Previous {
		prev[v.Key] = v
	}

	certs := in.SKU.Certificates()
	context := strings.TrimSpace(in.SKU.Name + " " + in.SKU.Description)

	var out []model.Verdict
	for _, cons := range in.Aggregation.Consensus {
		if len(only) > 0 && !only[cons.Key] {
			continue
		}

		ev := NotApplicable("no rule for claim")
		ruleRef := ""
		if r, ok := e.rules.ForKey(cons.Key); ok {
			ev = r.Evaluate(cons.Value, certs, in.AsOf)
			ruleRef = r.Ref(e.rules.Version)
		}
		ml := e.clf.Score(cons.Text, context)
		outcome := Combine(ev, ml, cons.Confidence, cons.Conflicted, e.th)

		v := model.Verdict{
			ID:                 VerdictID(in.RunID, in.SKU.ID, cons.Key),
			RunID:              in.RunID,
			SKUID:              in.SKU.ID,
			Key:                cons.Key,
			Kind:               model.VerdictKindClaim,
			Status:             outcome.Status,
			RuleResult:         ev.Result,
			RuleID:             ev.RuleID,
			RuleVersion:        e.rules.Version,
			ModelVersion:       e.clf.Version,
			CertStatus:         ev.CertStatus,
			MLScore:            ml,
			CombinedConfidence: outcome.Combined,
			Degraded:           cons.Degraded,
			ClaimDigest:        ClaimDigest(in.Aggregation.ClaimsForKey(cons.Key)),
			Reason:             outcome.Reason,
		}
		v.Evidence = e.evidence(cons, ev, ruleRef)

		if p, ok := prev[cons.Key]; ok && p.HumanOverridden && p.ClaimDigest == v.ClaimDigest {
			v = e.carryOverride(v, p)
		}
		out = append(out, v)
	}

	if len(only) == 0 {
		out = append(out, e.certificateVerdicts(in, certs, prev)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (e *Engine) evidence(cons claims.Consensus, ev Evaluation, ruleRef string) []string {
	var refs []string
	ids := append([]string(nil), cons.ClaimIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		refs = append(refs, "claim:"+id)
	}
	docs := append([]string(nil), ev.Certificates...)
	if cons.DocumentID != "" {
		docs = append(docs, cons.DocumentID)
	}
	sort.Strings(docs)
	for _, id := range docs {
		refs = append(refs, "document:"+id)
	}
	if ruleRef != "" {
		refs = append(refs, ruleRef)
	}
	return append(refs, "model:"+e.clf.Version)
}

// certificateVerdicts reports the lifecycle of each certificate type on file.
// A required certificate that is absent is reported on the claim verdict
// whose rule requires it, not here.
func (e *Engine) certificateVerdicts(in Input, certs []model.Document, prev map[string]model.Verdict) []model.Verdict {
	byType := make(map[string][]model.Document)
	for _, d := range certs {
		if d.CertType == "" || d.CertType == CertOther {
			continue
		}
		byType[d.CertType] = append(byType[d.CertType], d)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var out []model.Verdict
	for _, t := range types {
		ev := Evaluation{RuleID: "certificate", Kind: RuleCertificate, Confidence: 1.0}
		var docIDs []string
		docs := byType[t]
		valid := false
		for _, d := range docs {
			docIDs = append(docIDs, d.ID)
			if !Expired(d.ValidUntil, in.AsOf) {
				valid = true
			}
		}
		if valid {
			ev.Result = model.RulePass
			ev.CertStatus = model.StatusCompliant
			ev.Reason = fmt.Sprintf("%s certificate valid as of %s", t, in.AsOf.Format("2006-01-02"))
		} else {
			ev.Result = model.RuleNotApplicable
			ev.CertStatus = model.StatusExpired
			ev.Reason = fmt.Sprintf("%s certificate expired %s", t, latestExpiry(docs).Format("2006-01-02"))
		}
		outcome := Combine(ev, 0, 1.0, false, e.th)

		key := model.CertificateKey(t)
		sort.Strings(docIDs)
		refs := make([]string, 0, len(docIDs)+1)
		for _, id := range docIDs {
			refs = append(refs, "document:"+id)
		}
		v := model.Verdict{
			ID:                 VerdictID(in.RunID, in.SKU.ID, key),
			RunID:              in.RunID,
			SKUID:              in.SKU.ID,
			Key:                key,
			Kind:               model.VerdictKindCertificate,
			Status:             outcome.Status,
			RuleResult:         ev.Result,
			RuleID:             ev.RuleID,
			RuleVersion:        e.rules.Version,
			ModelVersion:       e.clf.Version,
			CertStatus:         ev.CertStatus,
			CombinedConfidence: outcome.Combined,
			ClaimDigest:        certificateDigest(docs),
			Evidence:           append(refs, "rule:certificate@"+e.rules.Version),
			Reason:             outcome.Reason,
		}
		if p, ok := prev[key]; ok && p.HumanOverridden && p.ClaimDigest == v.ClaimDigest {
			v = e.carryOverride(v, p)
		}
		out = append(out, v)
	}
	return out
}

func latestExpiry(docs []model.Document) time.Time {
	var t time.Time
	for _, d := range docs {
		if d.ValidUntil != nil && d.ValidUntil.After(t) {
			t = *d.ValidUntil
		}
	}
	return t
}

// Override returns the human-decided replacement for v. Only compliant and
// non-compliant decisions are accepted.
func (e *Engine) Override(v model.Verdict, status model.VerdictStatus, note string) (model.Verdict, error) {
	ev := Evaluation{RuleID: v.RuleID, Kind: RuleKind(v.Kind), Confidence: 1.0, Reason: "human decision"}
	switch status {
	case model.StatusCompliant:
		ev.Result = model.RulePass
	case model.StatusNonCompliant:
		ev.Result = model.RuleFail
	default:
		return model.Verdict{}, eris.Errorf("verify: cannot override to status %q", status)
	}
	if note != "" {
		ev.Reason += ": " + note
	}
	outcome := Combine(ev, v.MLScore, 1.0, false, e.th)

	v.Status = outcome.Status
	v.CombinedConfidence = outcome.Combined
	v.RuleResult = ev.Result
	v.HumanOverridden = true
	v.Reason = outcome.Reason
	v.Evidence = append(append([]string(nil), v.Evidence...), "actor:"+model.ActorHuman)
	return v, nil
}

func (e *Engine) carryOverride(v, prev model.Verdict) model.Verdict {
	carried, err := e.Override(v, prev.Status, "carried over from "+prev.ID)
	if err != nil {
		return v
	}
	return carried
}

// ClaimDigest hashes the sorted (source, value) pairs of a key's claims.
func ClaimDigest(cs []model.Claim) string {
	pairs := make([]string, 0, len(cs))
	for _, c := range cs {
		pairs = append(pairs, string(c.Source)+"="+c.Value)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])
}

func certificateDigest(docs []model.Document) string {
	pairs := make([]string, 0, len(docs))
	for _, d := range docs {
		until := ""
		if d.ValidUntil != nil {
			until = d.ValidUntil.Format("2006-01-02")
		}
		pairs = append(pairs, d.ContentHash+"="+until)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
