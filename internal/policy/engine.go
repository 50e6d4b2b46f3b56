// Package policy resolves which detection policy governs a request path and
// maps aggregated evidence to a concrete Action: named policy bundles
// resolved by key, nothing resolved at request time that validation did not
// see at startup.
package policy

import (
	"fmt"

	"github.com/stylobot/gateway/pkg/models"
)

// Engine holds the immutable policy snapshot for one process generation.
// The composition root builds one Engine at startup; there is no runtime
// reload, so the snapshot lasts for the life of the process.
type Engine struct {
	detection map[string]*models.DetectionPolicy
	action    map[string]models.Action
	paths     *prefixTree

	defaultDetection string
	defaultAction    string
}

// New validates and assembles the policy snapshot. Unknown policy
// references are startup-fatal.
func New(
	detection map[string]*models.DetectionPolicy,
	action map[string]models.Action,
	pathPolicies map[string]string,
	defaultDetection, defaultAction string,
) (*Engine, error) {
	if _, ok := detection[defaultDetection]; !ok {
		return nil, fmt.Errorf("policy: default detection policy %q not defined", defaultDetection)
	}
	if _, ok := action[defaultAction]; !ok {
		return nil, fmt.Errorf("policy: default action policy %q not defined", defaultAction)
	}
	for prefix, name := range pathPolicies {
		if _, ok := detection[name]; !ok {
			return nil, fmt.Errorf("policy: path %q references unknown detection policy %q", prefix, name)
		}
	}
	for name, dp := range detection {
		for _, t := range dp.Transitions {
			if _, ok := action[t.ActionPolicyName]; !ok {
				return nil, fmt.Errorf("policy: detection policy %q transition references unknown action policy %q", name, t.ActionPolicyName)
			}
		}
	}

	tree := newPrefixTree()
	for prefix, name := range pathPolicies {
		tree.insert(prefix, name)
	}

	return &Engine{
		detection:        detection,
		action:           action,
		paths:            tree,
		defaultDetection: defaultDetection,
		defaultAction:    defaultAction,
	}, nil
}

// DetectionPolicyFor resolves the detection policy by longest-prefix match
// of path, falling back to the default.
func (e *Engine) DetectionPolicyFor(path string) *models.DetectionPolicy {
	if name, ok := e.paths.longestMatch(path); ok {
		return e.detection[name]
	}
	return e.detection[e.defaultDetection]
}

// Resolve maps evidence to an Action via the detection policy's transition
// ladder, first match wins; no transition matching falls back to the
// default action policy. The returned names let the
// middleware annotate evidence and headers.
func (e *Engine) Resolve(dp *models.DetectionPolicy, evidence *models.AggregatedEvidence) (models.Action, string) {
	for _, t := range dp.Transitions {
		if t.WhenRiskExceeds != nil && evidence.BotProbability > *t.WhenRiskExceeds {
			return e.action[t.ActionPolicyName], t.ActionPolicyName
		}
		if t.WhenRiskBelow != nil && evidence.BotProbability < *t.WhenRiskBelow {
			return e.action[t.ActionPolicyName], t.ActionPolicyName
		}
	}
	return e.action[e.defaultAction], e.defaultAction
}

// ActionPolicy returns the named action, for callers (admin API, shadow
// evaluation) that need direct access.
func (e *Engine) ActionPolicy(name string) (models.Action, bool) {
	a, ok := e.action[name]
	return a, ok
}

// DetectionPolicyNames lists defined detection policies.
func (e *Engine) DetectionPolicyNames() []string {
	names := make([]string, 0, len(e.detection))
	for n := range e.detection {
		names = append(names, n)
	}
	return names
}
