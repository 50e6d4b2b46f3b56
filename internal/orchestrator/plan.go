package orchestrator

import (
	"fmt"

	"github.com/stylobot/gateway/internal/detectors"
)

// adapterSignals are written by the middleware before the pipeline starts
// (or, for response.*, before the post path runs); they never have an
// emitting detector.
var adapterSignals = map[string]bool{
	"signature.primary":      true,
	"signature.factor_count": true,
	"geo.country_code":       true,
	"response.status":        true,
	"response.bytes":         true,
}

// emissionTable declares which signal keys each detector writes to the
// blackboard. The plan validator uses it for cycle detection and for
// deciding whether a pending detector's required signals can still arrive.
// A detector absent from the table emits nothing schedulable.
var emissionTable = map[string][]string{
	"UserAgent":             {"ua.family"},
	"VerifiedBot":           {"ua.verified_bot"},
	"VersionAge":            {"ua.version"},
	"IP":                    {"ip.is_datacenter"},
	"Header":                {"header.count"},
	"Inconsistency":         {"header.inconsistency_count"},
	"ClientSide":            {"client.hint_count", "client.fingerprint"},
	"SecurityTool":          {"security_tool.scanner_signature_match"},
	"Behavioral":            {"behavioral.request_rate"},
	"BehavioralWaveform":    {"behavioral.timing_cv"},
	"TLSFingerprint":        {"fingerprint.tls.anomaly", "fingerprint.tls.present"},
	"HTTP2Fingerprint":      {"fingerprint.h2.anomaly", "fingerprint.h2.protocol"},
	"GeoChange":             {"geo.changed_from"},
	"ProjectHoneypot":       {"ip.honeypot_threat"},
	"MultiLayerCorrelation": {"correlation.anomalous_layers"},
	"LLM":                   {"ai.bot_probability", "ai.label"},
}

// Plan is the validated, immutable execution plan for one detection policy:
// the detector sets per path plus the signal-dependency structure the wave
// scheduler consults. Built once at startup.
type Plan struct {
	Fast     []detectors.Detector
	Slow     []detectors.Detector
	AI       []detectors.Detector
	Response []detectors.Detector

	// emitters maps signal key -> names of detectors in this plan that
	// can emit it.
	emitters map[string][]string
}

// NewPlan validates the detector sets and returns the immutable plan.
// Cyclic signal dependencies and self-dependencies are startup-fatal.
func NewPlan(fast, slow, ai, response []detectors.Detector) (*Plan, error) {
	p := &Plan{Fast: fast, Slow: slow, AI: ai, Response: response, emitters: map[string][]string{}}

	all := p.allScheduled()
	for _, d := range all {
		for _, sig := range emissionTable[d.Name()] {
			p.emitters[sig] = append(p.emitters[sig], d.Name())
		}
	}

	if err := p.detectCycles(all); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) allScheduled() []detectors.Detector {
	out := make([]detectors.Detector, 0, len(p.Fast)+len(p.Slow)+len(p.AI))
	out = append(out, p.Fast...)
	out = append(out, p.Slow...)
	out = append(out, p.AI...)
	return out
}

// CanStillArrive reports whether signal could still be emitted by one of
// the named remaining detectors (or is adapter-provided).
func (p *Plan) CanStillArrive(signal string, remaining map[string]bool) bool {
	if adapterSignals[signal] {
		return false // adapter signals are present from the start or never
	}
	for _, name := range p.emitters[signal] {
		if remaining[name] {
			return true
		}
	}
	return false
}

// detectCycles runs a depth-first search over the detector dependency graph
// (emitter -> consumer edges via required/trigger signals). Any cycle means
// the wave scheduler could never order the set, so startup must refuse.
func (p *Plan) detectCycles(all []detectors.Detector) error {
	// deps[consumer] = set of emitters it depends on.
	deps := make(map[string][]string, len(all))
	for _, d := range all {
		for _, sig := range append(append([]string{}, d.RequiredSignals()...), d.TriggersOn()...) {
			for _, emitter := range p.emitters[sig] {
				if emitter == d.Name() {
					return fmt.Errorf("orchestrator: detector %q requires a signal it emits itself (%s)", d.Name(), sig)
				}
				deps[d.Name()] = append(deps[d.Name()], emitter)
			}
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(all))

	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch state[name] {
		case inStack:
			return fmt.Errorf("orchestrator: cyclic detector dependency: %v -> %s", trail, name)
		case done:
			return nil
		}
		state[name] = inStack
		for _, dep := range deps[name] {
			if err := visit(dep, append(trail, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, d := range all {
		if err := visit(d.Name(), nil); err != nil {
			return err
		}
	}
	return nil
}
