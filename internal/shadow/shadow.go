// Package shadow runs a candidate detection policy against live traffic
// for comparison only: every sampled request is re-orchestrated on a fresh
// blackboard under the candidate policy, and the two verdicts are recorded
// and scored for agreement. No shadow verdict ever affects the response.
// This is the validation step between "the learning loop updated weights"
// and "those weights serve traffic".
package shadow

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/orchestrator"
	"github.com/stylobot/gateway/pkg/models"
)

// Result captures one production-vs-shadow divergence sample.
type Result struct {
	Path            string          `json:"path"`
	LiveProbability float64         `json:"liveProbability"`
	ShadowProbability float64       `json:"shadowProbability"`
	LiveBand        models.RiskBand `json:"liveBand"`
	ShadowBand      models.RiskBand `json:"shadowBand"`
	Diverged        bool            `json:"diverged"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Runner mirrors sampled requests through the candidate pipeline and keeps
// a bounded window of results for agreement scoring.
type Runner struct {
	candidate *orchestrator.Orchestrator
	log       zerolog.Logger

	mu      sync.Mutex
	window  []Result
	maxKeep int

	sampleEvery int
	counter     int
}

// NewRunner wraps the candidate pipeline. sampleEvery=N mirrors every Nth
// request (1 = all); maxKeep bounds the in-memory comparison window.
func NewRunner(candidate *orchestrator.Orchestrator, sampleEvery, maxKeep int, log zerolog.Logger) *Runner {
	if sampleEvery <= 0 {
		sampleEvery = 10
	}
	if maxKeep <= 0 {
		maxKeep = 1000
	}
	return &Runner{candidate: candidate, sampleEvery: sampleEvery, maxKeep: maxKeep, log: log}
}

// Observe re-runs the request under the candidate policy if this request
// is sampled. Called by the middleware after the live verdict; it runs on
// the request goroutine but on a fresh blackboard, so the live pipeline's
// state is untouched. adapterSignals re-seeds what the middleware provided.
func (r *Runner) Observe(ctx context.Context, req *models.HttpRequestCtx, adapterSignals map[string]any, live *models.AggregatedEvidence) {
	if r == nil || r.candidate == nil {
		return
	}
	r.mu.Lock()
	r.counter++
	sampled := r.counter%r.sampleEvery == 0
	r.mu.Unlock()
	if !sampled {
		return
	}

	bb := blackboard.New()
	for k, v := range adapterSignals {
		bb.Set(k, v)
	}
	shadowEvidence := r.candidate.Run(ctx, bb, req)

	result := Result{
		Path:              req.Path,
		LiveProbability:   live.BotProbability,
		ShadowProbability: shadowEvidence.BotProbability,
		LiveBand:          live.RiskBand,
		ShadowBand:        shadowEvidence.RiskBand,
		Diverged:          live.RiskBand != shadowEvidence.RiskBand,
		CreatedAt:         time.Now().UTC(),
	}

	r.mu.Lock()
	r.window = append(r.window, result)
	if len(r.window) > r.maxKeep {
		r.window = r.window[len(r.window)-r.maxKeep:]
	}
	r.mu.Unlock()

	if result.Diverged {
		r.log.Info().
			Str("path", req.Path).
			Str("liveBand", string(result.LiveBand)).
			Str("shadowBand", string(result.ShadowBand)).
			Float64("liveProbability", result.LiveProbability).
			Float64("shadowProbability", result.ShadowProbability).
			Msg("shadow policy diverged from live verdict")
	}
}

// bandIndex gives each risk band a stable integer label for the partition
// metrics.
var bandIndex = map[models.RiskBand]int{
	models.RiskUnknown:  0,
	models.RiskVeryLow:  1,
	models.RiskLow:      2,
	models.RiskElevated: 3,
	models.RiskMedium:   4,
	models.RiskHigh:     5,
	models.RiskVeryHigh: 6,
}

// Report summarizes the current window: divergence rate plus the
// partition-agreement metrics over band assignments.
type Report struct {
	Samples        int     `json:"samples"`
	Diverged       int     `json:"diverged"`
	DivergenceRate float64 `json:"divergenceRate"`
	BandARI        float64 `json:"bandAri"`
	BandVI         float64 `json:"bandVi"`
}

// Evaluate scores the window. An ARI near 1 and VI near 0 mean the
// candidate reproduces the live policy's structure; a low ARI flags a
// behavior change that needs human review before promotion.
func (r *Runner) Evaluate() Report {
	r.mu.Lock()
	window := append([]Result(nil), r.window...)
	r.mu.Unlock()

	report := Report{Samples: len(window)}
	if len(window) == 0 {
		return report
	}

	liveBands := make([]int, len(window))
	shadowBands := make([]int, len(window))
	for i, res := range window {
		liveBands[i] = bandIndex[res.LiveBand]
		shadowBands[i] = bandIndex[res.ShadowBand]
		if res.Diverged {
			report.Diverged++
		}
	}
	report.DivergenceRate = float64(report.Diverged) / float64(len(window))
	report.BandARI = metrics.AdjustedRandIndex(liveBands, shadowBands)
	report.BandVI = metrics.VariationOfInformation(liveBands, shadowBands)
	return report
}

// Window returns a copy of the current result window (admin API).
func (r *Runner) Window() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.window...)
}
