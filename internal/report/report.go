// Package report builds compliance reports from the current epoch's
// verdicts, claims and tasks.
package report

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
)

// GradeNone is reported when there is nothing to score.
const GradeNone = "N/A"

// Score is a weighted compliance score on a 0-100 scale.
type Score struct {
	Overall          float64 `json:"overall"`
	Grade            string  `json:"grade"`
	ClaimScore       float64 `json:"claim_score"`
	CertificateScore float64 `json:"certificate_score"`
	Claims           int     `json:"claims"`
	Certificates     int     `json:"certificates"`
}

// SKUReport is the compliance picture of one SKU.
type SKUReport struct {
	ID           string                      `json:"id"`
	Code         string                      `json:"code"`
	Name         string                      `json:"name"`
	Score        Score                       `json:"score"`
	StatusCounts map[model.VerdictStatus]int `json:"status_counts"`
	Verdicts     []model.Verdict             `json:"verdicts"`
	Claims       []model.Claim               `json:"claims"`
	OpenTasks    []model.Task                `json:"open_tasks"`
}

// Report covers every SKU, or a single one when built for a code.
type Report struct {
	GeneratedAt  time.Time                   `json:"generated_at"`
	Epoch        int                         `json:"epoch"`
	LastRun      *model.PipelineRun          `json:"last_run,omitempty"`
	Score        Score                       `json:"score"`
	StatusCounts map[model.VerdictStatus]int `json:"status_counts"`
	Tasks        model.TaskStats             `json:"tasks"`
	SKUs         []SKUReport                 `json:"skus"`
}

type options struct {
	weights config.ReportConfig
	now     func() time.Time
}

// Option configures Build.
type Option func(*options)

// WithWeights sets the claim and certificate weights of the overall score.
func WithWeights(cfg config.ReportConfig) Option {
	return func(o *options) { o.weights = cfg }
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Build assembles the report. An empty skuCode covers all SKUs.
func Build(ctx context.Context, st store.Store, skuCode string, opts ...Option) (*Report, error) {
	o := options{
		weights: config.ReportConfig{ClaimWeight: 0.7, CertificateWeight: 0.3},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range opts {
		fn(&o)
	}

	epoch, err := st.CurrentEpoch(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "report: current epoch")
	}
	var codes []string
	if skuCode != "" {
		codes = []string{skuCode}
	}
	skus, err := st.ListSKUs(ctx, codes)
	if err != nil {
		return nil, eris.Wrap(err, "report: list skus")
	}
	if skuCode != "" && len(skus) == 0 {
		return nil, eris.Wrapf(store.ErrNotFound, "report: sku %s", skuCode)
	}

	rep := &Report{
		GeneratedAt:  o.now(),
		Epoch:        epoch,
		StatusCounts: make(map[model.VerdictStatus]int),
	}
	runs, err := st.ListRuns(ctx, 1)
	if err != nil {
		return nil, eris.Wrap(err, "report: list runs")
	}
	if len(runs) > 0 {
		rep.LastRun = &runs[0]
	}

	var all []model.Verdict
	for _, sku := range skus {
		sr, err := buildSKU(ctx, st, epoch, sku, o.weights)
		if err != nil {
			return nil, err
		}
		for status, n := range sr.StatusCounts {
			rep.StatusCounts[status] += n
		}
		all = append(all, sr.Verdicts...)
		rep.SKUs = append(rep.SKUs, *sr)
	}

	filter := store.TaskFilter{Epoch: epoch}
	if len(skus) == 1 && skuCode != "" {
		filter.SKUID = skus[0].ID
	}
	tasks, err := st.ListTasks(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "report: list tasks")
	}
	rep.Tasks = model.SummarizeTasks(tasks)
	rep.Score = Compute(all, o.weights)
	return rep, nil
}

func buildSKU(ctx context.Context, st store.Store, epoch int, sku model.SKU, weights config.ReportConfig) (*SKUReport, error) {
	verdicts, err := st.ListCurrentVerdicts(ctx, sku.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "report: verdicts for %s", sku.Code)
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].Key < verdicts[j].Key })

	sr := &SKUReport{
		ID:           sku.ID,
		Code:         sku.Code,
		Name:         sku.Name,
		Score:        Compute(verdicts, weights),
		StatusCounts: make(map[model.VerdictStatus]int),
		Verdicts:     verdicts,
	}
	for _, v := range verdicts {
		sr.StatusCounts[v.Status]++
	}

	// Claims of the runs that produced the current verdicts, plus reviewer
	// claims of this epoch.
	runs := make(map[string]bool)
	for _, v := range verdicts {
		if !strings.HasPrefix(v.RunID, "decision:") {
			runs[v.RunID] = true
		}
	}
	runIDs := make([]string, 0, len(runs))
	for id := range runs {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)
	for _, id := range runIDs {
		cl, err := st.ListClaims(ctx, store.ClaimFilter{SKUID: sku.ID, RunID: id})
		if err != nil {
			return nil, eris.Wrapf(err, "report: claims for %s", sku.Code)
		}
		for _, c := range cl {
			if c.Source != model.SourceHuman {
				sr.Claims = append(sr.Claims, c)
			}
		}
	}
	human, err := st.ListClaims(ctx, store.ClaimFilter{SKUID: sku.ID, Source: model.SourceHuman, Epoch: epoch})
	if err != nil {
		return nil, eris.Wrapf(err, "report: human claims for %s", sku.Code)
	}
	sr.Claims = append(sr.Claims, human...)
	sort.SliceStable(sr.Claims, func(i, j int) bool { return sr.Claims[i].Key < sr.Claims[j].Key })

	open, err := st.ListTasks(ctx, store.TaskFilter{SKUID: sku.ID, Statuses: store.OpenTaskStatuses, Epoch: epoch})
	if err != nil {
		return nil, eris.Wrapf(err, "report: tasks for %s", sku.Code)
	}
	sr.OpenTasks = open
	return sr, nil
}

// Compute scores verdicts. Claim verdicts earn 1.0 when compliant, 0.5
// when uncertain and 0.0 when non-compliant. Certificate verdicts, and claim
// verdicts held back by an expired or missing certificate, make up the
// certificate score as the share that is compliant. With no certificates
// the certificate score is full, and with no claims the claim score is;
// an empty set has no grade.
func Compute(verdicts []model.Verdict, weights config.ReportConfig) Score {
	var claimSum float64
	var s Score
	certOK := 0
	for _, v := range verdicts {
		if v.Kind == model.VerdictKindCertificate || v.Status == model.StatusExpired || v.Status == model.StatusMissing {
			s.Certificates++
			if v.Status == model.StatusCompliant {
				certOK++
			}
			continue
		}
		s.Claims++
		switch v.Status {
		case model.StatusCompliant:
			claimSum += 1.0
		case model.StatusUncertain:
			claimSum += 0.5
		}
	}

	if s.Claims == 0 && s.Certificates == 0 {
		s.Grade = GradeNone
		return s
	}
	claimScore := 1.0
	if s.Claims > 0 {
		claimScore = claimSum / float64(s.Claims)
	}
	certScore := 1.0
	if s.Certificates > 0 {
		certScore = float64(certOK) / float64(s.Certificates)
	}

	wc, wr := weights.ClaimWeight, weights.CertificateWeight
	if wc+wr <= 0 {
		wc, wr = 0.7, 0.3
	}
	overall := (claimScore*wc + certScore*wr) / (wc + wr) * 100

	s.ClaimScore = round1(claimScore * 100)
	s.CertificateScore = round1(certScore * 100)
	s.Overall = round1(overall)
	s.Grade = Grade(s.Overall)
	return s
}

// Grade maps a 0-100 score to a letter.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
