package model

import (
	"strings"
	"time"
)

// VerdictStatus is the verification outcome for a claim key or certificate.
type VerdictStatus string

const (
	StatusCompliant    VerdictStatus = "compliant"
	StatusNonCompliant VerdictStatus = "non_compliant"
	StatusUncertain    VerdictStatus = "uncertain"
	StatusExpired      VerdictStatus = "expired"
	StatusMissing      VerdictStatus = "missing"
)

// NeedsReview reports whether the status requires a human task.
func (s VerdictStatus) NeedsReview() bool {
	return s == StatusUncertain || s == StatusExpired || s == StatusMissing
}

// RuleResult is the deterministic rule evaluation outcome.
type RuleResult string

const (
	RulePass          RuleResult = "pass"
	RuleFail          RuleResult = "fail"
	RuleNotApplicable RuleResult = "not_applicable"
)

// VerdictKind separates claim verdicts from certificate lifecycle verdicts.
type VerdictKind string

const (
	VerdictKindClaim       VerdictKind = "claim"
	VerdictKindCertificate VerdictKind = "certificate"
)

// CertificateKeyPrefix prefixes the key of certificate lifecycle verdicts.
const CertificateKeyPrefix = "certificate:"

// CertificateKey returns the verdict key for a certificate type.
func CertificateKey(certType string) string {
	return CertificateKeyPrefix + certType
}

// IsCertificateKey reports whether key names a certificate verdict.
func IsCertificateKey(key string) bool {
	return strings.HasPrefix(key, CertificateKeyPrefix)
}

// Verdict is the current verification outcome for one (SKU, key).
type Verdict struct {
	ID                 string        `json:"id"`
	RunID              string        `json:"run_id"`
	SKUID              string        `json:"sku_id"`
	Key                string        `json:"key"`
	Kind               VerdictKind   `json:"kind"`
	Status             VerdictStatus `json:"status"`
	RuleResult         RuleResult    `json:"rule_result"`
	RuleID             string        `json:"rule_id,omitempty"`
	RuleVersion        string        `json:"rule_version"`
	ModelVersion       string        `json:"model_version"`
	CertStatus         VerdictStatus `json:"cert_status,omitempty"`
	MLScore            float64       `json:"ml_score"`
	CombinedConfidence float64       `json:"combined_confidence"`
	Degraded           bool          `json:"degraded"`
	HumanOverridden    bool          `json:"human_overridden"`
	ClaimDigest        string        `json:"claim_digest,omitempty"`
	Evidence           []string      `json:"evidence,omitempty"`
	Reason             string        `json:"reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}
