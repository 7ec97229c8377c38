package verify

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/vocab"
)

//go:embed default_rules.yaml
var defaultRules []byte

// RuleKind selects how a rule evaluates a claim value.
type RuleKind string

const (
	RuleCertificate RuleKind = "certificate"
	RuleThreshold   RuleKind = "threshold"
	RulePredicate   RuleKind = "predicate"
)

// Rule maps a claim key to a deterministic check.
type Rule struct {
	ID               string   `yaml:"id"`
	Key              string   `yaml:"key"`
	Kind             RuleKind `yaml:"kind"`
	CertificateTypes []string `yaml:"certificate_types,omitempty"`
	Min              *float64 `yaml:"min,omitempty"`
	Max              *float64 `yaml:"max,omitempty"`
	Unit             string   `yaml:"unit,omitempty"`
	Equals           string   `yaml:"equals,omitempty"`
	Confidence       float64  `yaml:"confidence,omitempty"`
	Description      string   `yaml:"description,omitempty"`
	Remediation      string   `yaml:"remediation,omitempty"`
}

// RuleSet is a versioned collection of rules, at most one per claim key.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`

	byKey map[string]*Rule
}

// DefaultRuleSet returns the embedded rule set.
func DefaultRuleSet() (*RuleSet, error) {
	return ParseRuleSet(defaultRules)
}

// LoadRuleSet reads a rule set from path, or the embedded default when path
// is empty.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &VerificationError{Reason: "rule set unavailable", Err: err}
	}
	return ParseRuleSet(data)
}

// ParseRuleSet decodes and validates a YAML rule set.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, &VerificationError{Reason: "rule set is not valid yaml", Err: err}
	}
	if err := rs.validate(); err != nil {
		return nil, &VerificationError{Reason: "rule set invalid", Err: err}
	}
	return &rs, nil
}

func (rs *RuleSet) validate() error {
	if strings.TrimSpace(rs.Version) == "" {
		return eris.New("verify: rule set has no version")
	}
	rs.byKey = make(map[string]*Rule, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Key == "" {
			return eris.Errorf("verify: rule %d has no key", i)
		}
		if _, dup := rs.byKey[r.Key]; dup {
			return eris.Errorf("verify: duplicate rule for key %q", r.Key)
		}
		if r.ID == "" {
			r.ID = "R-" + strings.ToUpper(strings.ReplaceAll(r.Key, "_", "-"))
		}
		if r.Confidence == 0 {
			r.Confidence = 1.0
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return eris.Errorf("verify: rule %s confidence %.2f out of range", r.ID, r.Confidence)
		}
		switch r.Kind {
		case RuleCertificate:
			if len(r.CertificateTypes) == 0 {
				return eris.Errorf("verify: rule %s requires certificate_types", r.ID)
			}
			for _, t := range r.CertificateTypes {
				if !IsCertificateType(t) {
					return eris.Errorf("verify: rule %s names unknown certificate type %q", r.ID, t)
				}
			}
		case RuleThreshold:
			if r.Min == nil && r.Max == nil {
				return eris.Errorf("verify: rule %s requires min or max", r.ID)
			}
		case RulePredicate:
			if r.Equals == "" {
				return eris.Errorf("verify: rule %s requires equals", r.ID)
			}
		default:
			return eris.Errorf("verify: rule %s has unknown kind %q", r.ID, r.Kind)
		}
		rs.byKey[r.Key] = r
	}
	return nil
}

// ForKey returns the rule for a claim key.
func (rs *RuleSet) ForKey(key string) (*Rule, bool) {
	r, ok := rs.byKey[key]
	return r, ok
}

// Ref is the evidence reference of the rule.
func (r *Rule) Ref(version string) string {
	return "rule:" + r.ID + "@" + version
}

// Evaluation is the outcome of applying one rule to one claim value.
type Evaluation struct {
	RuleID     string
	Kind       RuleKind
	Result     model.RuleResult
	CertStatus model.VerdictStatus
	Confidence float64
	Reason     string
	// Certificates lists the documents that satisfied a certificate rule.
	Certificates []string
}

// NotApplicable is the evaluation for keys without a rule.
func NotApplicable(reason string) Evaluation {
	return Evaluation{Result: model.RuleNotApplicable, Reason: reason}
}

// Evaluate applies the rule to a normalized claim value. Certificates are
// checked against asOf, never the wall clock.
func (r *Rule) Evaluate(value string, certs []model.Document, asOf time.Time) Evaluation {
	ev := Evaluation{RuleID: r.ID, Kind: r.Kind, Confidence: r.Confidence}
	switch r.Kind {
	case RuleCertificate:
		return r.evaluateCertificate(ev, value, certs, asOf)
	case RuleThreshold:
		return r.evaluateThreshold(ev, value)
	case RulePredicate:
		if strings.EqualFold(value, r.Equals) {
			ev.Result = model.RulePass
			ev.Reason = fmt.Sprintf("value %q satisfies %s", value, r.ID)
		} else {
			ev.Result = model.RuleFail
			ev.Reason = fmt.Sprintf("value %q violates %s (expected %q)", value, r.ID, r.Equals)
		}
	}
	return r.withNotes(ev)
}

func (r *Rule) evaluateCertificate(ev Evaluation, value string, certs []model.Document, asOf time.Time) Evaluation {
	if value != model.ValueTrue {
		ev.Result = model.RuleNotApplicable
		ev.Reason = fmt.Sprintf("claim value %q does not assert %s", value, r.Key)
		return ev
	}

	wanted := make(map[string]bool, len(r.CertificateTypes))
	for _, t := range r.CertificateTypes {
		wanted[t] = true
	}
	expired := false
	for _, d := range certs {
		if !wanted[d.CertType] {
			continue
		}
		if Expired(d.ValidUntil, asOf) {
			expired = true
			continue
		}
		ev.Certificates = append(ev.Certificates, d.ID)
	}

	switch {
	case len(ev.Certificates) > 0:
		ev.Result = model.RulePass
		ev.CertStatus = model.StatusCompliant
		ev.Reason = fmt.Sprintf("valid %s certificate on file", strings.Join(r.CertificateTypes, "/"))
	case expired:
		ev.Result = model.RuleNotApplicable
		ev.CertStatus = model.StatusExpired
		ev.Reason = fmt.Sprintf("required %s certificate has expired", strings.Join(r.CertificateTypes, "/"))
	default:
		ev.Result = model.RuleNotApplicable
		ev.CertStatus = model.StatusMissing
		ev.Reason = fmt.Sprintf("missing required certificate: %s", strings.Join(r.CertificateTypes, "/"))
	}
	return r.withNotes(ev)
}

func (r *Rule) evaluateThreshold(ev Evaluation, value string) Evaluation {
	n, unit, ok := vocab.ParseQuantity(value)
	if !ok {
		if f, err := parseFloat(value); err == nil {
			n, ok = f, true
		}
	}
	switch {
	case !ok:
		ev.Result = model.RuleFail
		ev.Reason = fmt.Sprintf("value %q is not a quantity", value)
	case r.Unit != "" && unit != "" && unit != r.Unit:
		ev.Result = model.RuleFail
		ev.Reason = fmt.Sprintf("value %q is not in %s", value, r.Unit)
	case r.Min != nil && n < *r.Min, r.Max != nil && n > *r.Max:
		ev.Result = model.RuleFail
		ev.Reason = fmt.Sprintf("value %q outside %s", value, r.bounds())
	default:
		ev.Result = model.RulePass
		ev.Reason = fmt.Sprintf("value %q within %s", value, r.bounds())
	}
	return r.withNotes(ev)
}

func (r *Rule) bounds() string {
	lo, hi := "-inf", "+inf"
	if r.Min != nil {
		lo = fmt.Sprint(*r.Min)
	}
	if r.Max != nil {
		hi = fmt.Sprint(*r.Max)
	}
	return "[" + lo + ", " + hi + "]" + r.Unit
}

func (r *Rule) withNotes(ev Evaluation) Evaluation {
	if ev.Result == model.RuleFail && r.Remediation != "" {
		ev.Reason += ". Remediation: " + r.Remediation
	}
	return ev
}
