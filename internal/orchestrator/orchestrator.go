// Package orchestrator runs the detection pipeline: detectors dispatched in
// priority waves with signal-gated triggering, early exit, optional AI
// escalation, and aggregation into one AggregatedEvidence.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/pkg/models"
)

// Thresholds are the per-policy orchestrator knobs.
type Thresholds struct {
	EarlyExit      float64 // complete once below this after all non-AI waves
	ImmediateBlock float64 // short-circuit block above this
	AIEscalation   float64 // escalate to AI inside [1-t, t]
	WeightCeiling  float64 // per-detector weight cap
	WorkerPool     int     // within-wave fan-out limit
	HonorEarlyExit bool    // whether detector-carried verdicts may short-circuit
}

// DefaultThresholds are the shipped baseline knobs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EarlyExit:      0.30,
		ImmediateBlock: 0.95,
		AIEscalation:   0.60,
		WeightCeiling:  maxDetectorWeight,
		WorkerPool:     0, // 0 = GOMAXPROCS
		HonorEarlyExit: true,
	}
}

// CompletionSink receives the one DetectionCompleted notification emitted
// per request. internal/learning.Bus implements it.
// The blackboard is handed over so the sink can vectorize request features
// before the request state is discarded; sinks must not retain it past the
// call (they copy what they need into the event).
type CompletionSink interface {
	DetectionCompleted(evidence *models.AggregatedEvidence, bb *blackboard.Blackboard, req *models.HttpRequestCtx, signature models.MultiFactorSignature)
}

// Orchestrator executes one Plan per request. It is safe for concurrent use
// across requests; all per-request state lives on the Blackboard and in
// locals.
type Orchestrator struct {
	plan       *Plan
	thresholds Thresholds
	log        zerolog.Logger
	sink       CompletionSink
}

// AttachSink wires the DetectionCompleted sink (the learning bus). May be
// left nil when learning is disabled.
func (o *Orchestrator) AttachSink(s CompletionSink) { o.sink = s }

// Complete emits the one DetectionCompleted event for this request. The
// middleware calls it after the response path has run so the event carries
// response-behavior contributions too.
func (o *Orchestrator) Complete(evidence *models.AggregatedEvidence, bb *blackboard.Blackboard, req *models.HttpRequestCtx, signature models.MultiFactorSignature) {
	if o.sink != nil {
		o.sink.DetectionCompleted(evidence, bb, req, signature)
	}
}

// New builds an orchestrator over a validated plan.
func New(plan *Plan, thresholds Thresholds, log zerolog.Logger) *Orchestrator {
	if thresholds.WeightCeiling <= 0 {
		thresholds.WeightCeiling = maxDetectorWeight
	}
	return &Orchestrator{plan: plan, thresholds: thresholds, log: log}
}

// detectorResult is one detector's outcome inside a wave.
type detectorResult struct {
	name          string
	contributions []models.Contribution
	err           error
	timedOut      bool
	duration      time.Duration
}

// Run executes the pipeline for one request. ctx carries the adapter's
// soft deadline; exceeding it ends the pipeline with whatever evidence
// exists.
func (o *Orchestrator) Run(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) *models.AggregatedEvidence {
	started := time.Now()
	evidence := &models.AggregatedEvidence{Signals: map[string]any{}}

	defer func() {
		metrics.PipelineDuration.Observe(time.Since(started).Seconds())
	}()

	// Fast path (pre-0): reputation short-circuit, run before anything else.
	if o.runPath(ctx, bb, req, o.plan.Fast, evidence) {
		o.finish(bb, evidence)
		return evidence
	}

	// Non-AI waves over the slow path, signal-gated.
	exited := o.runWaves(ctx, bb, req, o.plan.Slow, evidence)

	// AI escalation: only when still ambiguous, not below the early-exit
	// threshold, and the policy carries AI detectors.
	if !exited && len(o.plan.AI) > 0 && evidence.BotProbability >= o.thresholds.EarlyExit && o.shouldEscalate(evidence) {
		evidence.AIRan = true
		exited = o.runWaves(ctx, bb, req, o.plan.AI, evidence)
	}

	o.finish(bb, evidence)
	return evidence
}

// RunResponsePath executes the post-response detectors. Their contributions are appended to evidence for the
// learning event but the verdict fields are not recomputed.
func (o *Orchestrator) RunResponsePath(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx, evidence *models.AggregatedEvidence) {
	if len(o.plan.Response) == 0 {
		return
	}
	results := o.dispatchWave(ctx, bb, req, o.plan.Response)
	for _, r := range results {
		if r.err != nil || r.timedOut {
			evidence.DetectorsFailed = append(evidence.DetectorsFailed, r.name)
			continue
		}
		evidence.DetectorsRan = append(evidence.DetectorsRan, r.name)
		evidence.Contributions = append(evidence.Contributions, r.contributions...)
	}
}

// runWaves schedules set wave-by-wave until nothing further can run.
// Returns true if the pipeline exited early.
func (o *Orchestrator) runWaves(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx, set []detectors.Detector, evidence *models.AggregatedEvidence) bool {
	remaining := make(map[string]detectors.Detector, len(set))
	for _, d := range set {
		remaining[d.Name()] = d
	}

	for len(remaining) > 0 {
		if ctx.Err() != nil {
			o.deadline(evidence, remaining)
			return false
		}

		// skip_when conditions are re-evaluated each round: a signal from
		// the previous wave may have cancelled a pending detector. A
		// detector whose required signals can never arrive (no enabled peer
		// emits them) is reported skipped here too.
		names := make(map[string]bool, len(remaining))
		for n := range remaining {
			names[n] = true
		}
		for name, d := range remaining {
			if skipped(bb, d) {
				evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, name)
				delete(remaining, name)
				continue
			}
			for _, sig := range d.RequiredSignals() {
				if !bb.HasSignal(sig) && !o.plan.CanStillArrive(sig, names) {
					evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, name)
					delete(remaining, name)
					break
				}
			}
		}
		if len(remaining) == 0 {
			break
		}

		wave := o.nextWave(bb, remaining)
		if len(wave) == 0 {
			// Nothing runnable: everything left is waiting on signals that
			// can no longer arrive.
			for name := range remaining {
				evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, name)
			}
			break
		}
		for _, d := range wave {
			delete(remaining, d.Name())
		}

		results := o.dispatchWave(ctx, bb, req, wave)
		for _, r := range results {
			switch {
			case r.timedOut:
				metrics.DetectorFailures.WithLabelValues(r.name).Inc()
				evidence.DetectorsFailed = append(evidence.DetectorsFailed, r.name)
			case r.err != nil:
				metrics.DetectorFailures.WithLabelValues(r.name).Inc()
				o.log.Warn().Str("detector", r.name).Err(r.err).Msg("detector fault")
				evidence.DetectorsFailed = append(evidence.DetectorsFailed, r.name)
			default:
				evidence.DetectorsRan = append(evidence.DetectorsRan, r.name)
				for _, c := range r.contributions {
					c.ProcessingTime = r.duration
					evidence.Contributions = append(evidence.Contributions, c)
					bb.SetAll(c.EmittedSignals)
				}
			}
		}

		// Post-wave checks.
		if o.thresholds.HonorEarlyExit {
			if v := carriedVerdict(results); v != nil {
				evidence.ExitedEarly = true
				evidence.EarlyExit = v
				metrics.EarlyExits.WithLabelValues("verdict").Inc()
				for name := range remaining {
					evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, name)
				}
				return true
			}
		}

		aggregate(evidence, o.thresholds.WeightCeiling)
		if evidence.BotProbability >= o.thresholds.ImmediateBlock && o.thresholds.HonorEarlyExit {
			evidence.ExitedEarly = true
			evidence.EarlyExit = &models.EarlyExitVerdict{
				IsBot:  true,
				Action: models.ActionBlock,
				Reason: "running probability crossed immediate-block threshold",
			}
			metrics.EarlyExits.WithLabelValues("threshold").Inc()
			for name := range remaining {
				evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, name)
			}
			return true
		}
	}
	return false
}

// runPath runs set as a single sequential pre-wave (fast path). Returns
// true if a carried verdict short-circuits the pipeline.
func (o *Orchestrator) runPath(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx, set []detectors.Detector, evidence *models.AggregatedEvidence) bool {
	for _, d := range set {
		if skipped(bb, d) {
			evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, d.Name())
			continue
		}
		r := o.runOne(ctx, bb, req, d)
		if r.err != nil || r.timedOut {
			metrics.DetectorFailures.WithLabelValues(r.name).Inc()
			evidence.DetectorsFailed = append(evidence.DetectorsFailed, r.name)
			continue
		}
		evidence.DetectorsRan = append(evidence.DetectorsRan, r.name)
		for _, c := range r.contributions {
			c.ProcessingTime = r.duration
			evidence.Contributions = append(evidence.Contributions, c)
			bb.SetAll(c.EmittedSignals)
			if c.EarlyExit != nil && o.thresholds.HonorEarlyExit {
				evidence.ExitedEarly = true
				evidence.EarlyExit = c.EarlyExit
				metrics.FastPathHits.WithLabelValues(boolLabel(c.EarlyExit.IsBot)).Inc()
				return true
			}
		}
	}
	return false
}

func boolLabel(isBot bool) string {
	if isBot {
		return "confirmed_bad"
	}
	return "confirmed_good"
}

// nextWave selects the currently runnable subset of remaining: required
// signals present and triggers (if any) fired. Detectors whose
// dependencies can no longer arrive stay out of the wave; once no wave
// forms at all, the caller reports everything left as skipped. Within the
// wave, detectors are ordered by priority for deterministic dispatch
// (completion order is still unspecified; detectors must be
// order-independent within a wave).
func (o *Orchestrator) nextWave(bb *blackboard.Blackboard, remaining map[string]detectors.Detector) []detectors.Detector {
	names := make(map[string]bool, len(remaining))
	for n := range remaining {
		names[n] = true
	}

	var wave []detectors.Detector
	for _, d := range remaining {
		ready := true
		for _, sig := range d.RequiredSignals() {
			if !bb.HasSignal(sig) {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if len(d.TriggersOn()) > 0 {
			fired := false
			for _, sig := range d.TriggersOn() {
				if bb.HasSignal(sig) {
					fired = true
					break
				}
			}
			if !fired {
				continue
			}
		}
		wave = append(wave, d)
	}

	sort.SliceStable(wave, func(i, j int) bool { return wave[i].Priority() > wave[j].Priority() })
	return wave
}

func skipped(bb *blackboard.Blackboard, d detectors.Detector) bool {
	for _, sig := range d.SkipWhen() {
		if bb.HasSignal(sig) {
			return true
		}
	}
	return false
}

// dispatchWave fans the wave out over the worker pool with per-detector
// timeouts. Results come back in wave order, not completion order.
func (o *Orchestrator) dispatchWave(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx, wave []detectors.Detector) []detectorResult {
	results := make([]detectorResult, len(wave))

	g, gctx := errgroup.WithContext(ctx)
	if o.thresholds.WorkerPool > 0 {
		g.SetLimit(o.thresholds.WorkerPool)
	}

	for i, d := range wave {
		i, d := i, d
		g.Go(func() error {
			results[i] = o.runOne(gctx, bb, req, d)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runOne executes a single detector under recover + timeout. Partial
// results from a timed-out detector are discarded.
func (o *Orchestrator) runOne(ctx context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx, d detectors.Detector) detectorResult {
	dctx, cancel := context.WithTimeout(ctx, d.Timeout())
	defer cancel()

	started := time.Now()
	done := make(chan detectorResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- detectorResult{name: d.Name(), err: fmt.Errorf("panic: %v", r)}
			}
		}()
		contribs, err := d.Run(dctx, bb, req)
		done <- detectorResult{name: d.Name(), contributions: contribs, err: err}
	}()

	select {
	case r := <-done:
		r.duration = time.Since(started)
		metrics.DetectorDuration.WithLabelValues(d.Name()).Observe(r.duration.Seconds())
		return r
	case <-dctx.Done():
		return detectorResult{name: d.Name(), timedOut: true, duration: time.Since(started)}
	}
}

// carriedVerdict returns the first early-exit verdict carried by any
// contribution in the wave, if any.
func carriedVerdict(results []detectorResult) *models.EarlyExitVerdict {
	for _, r := range results {
		if r.err != nil || r.timedOut {
			continue
		}
		for _, c := range r.contributions {
			if c.EarlyExit != nil {
				return c.EarlyExit
			}
		}
	}
	return nil
}

// shouldEscalate checks the ambiguity band [1-t, t] around 0.5.
func (o *Orchestrator) shouldEscalate(evidence *models.AggregatedEvidence) bool {
	t := o.thresholds.AIEscalation
	lo, hi := 1-t, t
	if lo > hi {
		lo, hi = hi, lo
	}
	p := evidence.BotProbability
	return p >= lo && p <= hi
}

func (o *Orchestrator) deadline(evidence *models.AggregatedEvidence, remaining map[string]detectors.Detector) {
	evidence.DeadlineExceed = true
	evidence.PolicyActionReason = "deadline"
	metrics.EarlyExits.WithLabelValues("deadline").Inc()
	for name := range remaining {
		evidence.DetectorsSkipped = append(evidence.DetectorsSkipped, name)
	}
}

// finish recomputes the final aggregate and captures the signal snapshot.
func (o *Orchestrator) finish(bb *blackboard.Blackboard, evidence *models.AggregatedEvidence) {
	aggregate(evidence, o.thresholds.WeightCeiling)

	// Early-exit verdicts override the mean: a carried block verdict is a
	// verdict, not an opinion to average away.
	if evidence.EarlyExit != nil {
		if evidence.EarlyExit.IsBot {
			if evidence.BotProbability < 0.95 {
				evidence.BotProbability = 0.95
			}
		} else {
			if evidence.BotProbability > 0.05 {
				evidence.BotProbability = 0.05
			}
		}
		evidence.Confidence = 1.0
		evidence.RiskBand = RiskBandFor(evidence.BotProbability, evidence.Confidence)
		if evidence.EarlyExit.BotType != "" {
			evidence.PrimaryBotType = evidence.EarlyExit.BotType
		}
		if evidence.EarlyExit.BotName != "" {
			evidence.PrimaryBotName = evidence.EarlyExit.BotName
		}
	}

	for key, value := range bb.Snapshot() {
		if surfaceSignal(key) {
			evidence.Signals[key] = value
		}
	}
}

// surfaceSignal decides which blackboard keys are worth carrying on the
// evidence.
func surfaceSignal(key string) bool {
	switch key {
	case models.SignalUAFamily, models.SignalGeoCountryCode, models.SignalIPIsDatacenter,
		models.SignalBehavioralRate, "correlation.anomalous_layers", "ai.bot_probability",
		"ua.verified_bot":
		return true
	}
	return false
}
