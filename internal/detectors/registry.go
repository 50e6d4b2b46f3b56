package detectors

import (
	"fmt"
	"time"
)

// Ports bundles the shared external collaborators detector constructors
// need. Nil fields are allowed; each detector degrades to its documented
// fallback (static tables, skipped lookups).
type Ports struct {
	Reputation  ReputationLookup
	Sample      SampleGate
	CIDR        CIDRSource
	Crawler     CrawlerRangeSource
	RDNS        ReverseDNS
	DNSBL       DNSBL
	GeoHistory  *GeoHistory
	RateTracker *RateTracker
	Weights     WeightProvider
	Classifier  Classifier
	Versions    VersionSource
}

// Registry constructs detectors by manifest name. Policies reference
// detectors by these names; an unknown name is a startup-fatal
// configuration error.
type Registry struct {
	ports    Ports
	configs  map[string]Config
	builders map[string]func() Detector
}

// NewRegistry wires the full detector set against ports. configs carries
// the per-detector YAML overrides keyed by detector name (may be nil).
func NewRegistry(ports Ports, configs map[string]Config) *Registry {
	if ports.RateTracker == nil {
		ports.RateTracker = NewRateTracker(time.Minute)
	}
	if ports.GeoHistory == nil {
		ports.GeoHistory = NewGeoHistory(0)
	}
	r := &Registry{ports: ports, configs: configs}

	cfg := func(name string) Config { return r.configs[name] }
	r.builders = map[string]func() Detector{
		"FastPathReputation":    func() Detector { return NewFastPathReputation(ports.Reputation, ports.Sample) },
		"VerifiedBot":           func() Detector { return NewVerifiedBot(cfg("VerifiedBot"), ports.Crawler, ports.RDNS) },
		"UserAgent":             func() Detector { return NewUserAgent(cfg("UserAgent")) },
		"Header":                func() Detector { return NewHeader(cfg("Header")) },
		"IP":                    func() Detector { return NewIP(cfg("IP"), ports.CIDR) },
		"SecurityTool":          func() Detector { return NewSecurityTool(cfg("SecurityTool")) },
		"Behavioral":            func() Detector { return NewBehavioral(cfg("Behavioral"), ports.RateTracker) },
		"ClientSide":            func() Detector { return NewClientSide(cfg("ClientSide")) },
		"VersionAge":            func() Detector { return NewVersionAge(cfg("VersionAge"), ports.Versions) },
		"Inconsistency":         func() Detector { return NewInconsistency(cfg("Inconsistency")) },
		"GeoChange":             func() Detector { return NewGeoChange(cfg("GeoChange"), ports.GeoHistory) },
		"ProjectHoneypot":       func() Detector { return NewProjectHoneypot(cfg("ProjectHoneypot"), ports.DNSBL) },
		"TLSFingerprint":        func() Detector { return NewTLSFingerprint(cfg("TLSFingerprint")) },
		"HTTP2Fingerprint":      func() Detector { return NewHTTP2Fingerprint(cfg("HTTP2Fingerprint")) },
		"MultiLayerCorrelation": func() Detector { return NewMultiLayerCorrelation(cfg("MultiLayerCorrelation")) },
		"BehavioralWaveform":    func() Detector { return NewBehavioralWaveform(cfg("BehavioralWaveform"), ports.RateTracker) },
		"Heuristic":             func() Detector { return NewHeuristic(cfg("Heuristic"), ports.Weights) },
		"LLM":                   func() Detector { return NewLLM(cfg("LLM"), ports.Classifier) },
		"HeuristicLate":         func() Detector { return NewHeuristicLate(cfg("HeuristicLate"), ports.Weights) },
		"ResponseBehavior":      func() Detector { return NewResponseBehavior(cfg("ResponseBehavior")) },
	}
	return r
}

// Build instantiates the named detector, or errors for unknown names.
func (r *Registry) Build(name string) (Detector, error) {
	b, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("detectors: unknown detector %q referenced by policy", name)
	}
	return b(), nil
}

// BuildSet instantiates all named detectors, failing on the first unknown.
func (r *Registry) BuildSet(names []string) ([]Detector, error) {
	out := make([]Detector, 0, len(names))
	for _, name := range names {
		d, err := r.Build(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Names lists every registered detector name (for config validation
// diagnostics).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for n := range r.builders {
		names = append(names, n)
	}
	return names
}
