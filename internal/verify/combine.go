package verify

import (
	"fmt"
	"math"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
)

// Thresholds bound classifier-driven decisions.
type Thresholds struct {
	Accept        float64
	Reject        float64
	MinConfidence float64
}

// DefaultThresholds are used when config leaves them unset.
var DefaultThresholds = Thresholds{Accept: 0.7, Reject: 0.3, MinConfidence: 0.6}

// Outcome is the combined decision for one verdict.
type Outcome struct {
	Status     model.VerdictStatus
	Combined   float64
	Reason     string
	Classifier bool // decided by the classifier rather than a rule
}

// Combine merges a rule evaluation, the classifier score and the consensus
// confidence into a verdict status. It is the only place a combined
// confidence is computed.
func Combine(ev Evaluation, ml, consensus float64, conflicted bool, th Thresholds) Outcome {
	out := combine(ev, ml, consensus, th)
	if conflicted {
		out.Status = model.StatusUncertain
		out.Reason = "sources disagree on the claim value; " + out.Reason
	}
	return out
}

func combine(ev Evaluation, ml, consensus float64, th Thresholds) Outcome {
	switch {
	case ev.Result == model.RuleFail:
		return Outcome{Status: model.StatusNonCompliant, Combined: ev.Confidence, Reason: ev.Reason}
	case ev.Kind == RuleCertificate && (ev.CertStatus == model.StatusMissing || ev.CertStatus == model.StatusExpired):
		return Outcome{Status: ev.CertStatus, Combined: ev.Confidence, Reason: ev.Reason}
	case ev.Result == model.RulePass:
		return Outcome{Status: model.StatusCompliant, Combined: math.Max(ev.Confidence, ml), Reason: ev.Reason}
	}

	out := Outcome{Classifier: true, Combined: consensus * math.Max(ml, 1-ml)}
	switch {
	case ml >= th.Accept:
		out.Status = model.StatusCompliant
	case ml <= th.Reject:
		out.Status = model.StatusNonCompliant
	default:
		out.Status = model.StatusUncertain
	}
	out.Reason = fmt.Sprintf("classifier score %.2f", ml)
	if ev.Reason != "" {
		out.Reason = ev.Reason + "; " + out.Reason
	}
	if out.Status != model.StatusUncertain && out.Combined < th.MinConfidence {
		out.Reason += fmt.Sprintf(", combined confidence %.2f below %.2f", out.Combined, th.MinConfidence)
		out.Status = model.StatusUncertain
	}
	return out
}
