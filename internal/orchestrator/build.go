package orchestrator

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/pkg/models"
)

// FromPolicy instantiates the pipeline for one detection policy: detectors
// built from the registry by name, plan validated, thresholds taken from
// the policy with spec defaults filled in. Unknown detector names and
// cyclic manifests are startup-fatal.
func FromPolicy(reg *detectors.Registry, dp *models.DetectionPolicy, workerPool int, log zerolog.Logger) (*Orchestrator, error) {
	build := func(refs []models.DetectorRef) ([]detectors.Detector, error) {
		names := make([]string, len(refs))
		for i, r := range refs {
			names[i] = r.Name
		}
		return reg.BuildSet(names)
	}

	fast, err := build(dp.FastPath)
	if err != nil {
		return nil, fmt.Errorf("policy %q fast_path: %w", dp.Name, err)
	}
	slow, err := build(dp.SlowPath)
	if err != nil {
		return nil, fmt.Errorf("policy %q slow_path: %w", dp.Name, err)
	}
	ai, err := build(dp.AIPath)
	if err != nil {
		return nil, fmt.Errorf("policy %q ai_path: %w", dp.Name, err)
	}
	response, err := build(dp.ResponsePath)
	if err != nil {
		return nil, fmt.Errorf("policy %q response_path: %w", dp.Name, err)
	}

	plan, err := NewPlan(fast, slow, ai, response)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", dp.Name, err)
	}

	thresholds := DefaultThresholds()
	if dp.EarlyExitThreshold > 0 {
		thresholds.EarlyExit = dp.EarlyExitThreshold
	}
	if dp.ImmediateBlockThreshold > 0 {
		thresholds.ImmediateBlock = dp.ImmediateBlockThreshold
	}
	if dp.AIEscalationThreshold > 0 {
		thresholds.AIEscalation = dp.AIEscalationThreshold
	}
	thresholds.WorkerPool = workerPool

	return New(plan, thresholds, log), nil
}
