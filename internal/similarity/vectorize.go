package similarity

import (
	"github.com/stylobot/gateway/internal/blackboard"
)

// featureOrder is the fixed, index-ordered feature schema for the 64-length
// heuristic vector. Missing features default to 0. Extending
// this list is a schema-version bump (FeatureSchemaVersion), not a silent
// reorder, since saved files key on position.
var featureOrder = [HeuristicDim]string{
	0: "ua.is_empty", 1: "ua.is_automation", 2: "ua.is_known_bad", 3: "ua.is_known_good",
	4: "ua.version_age_years",
	5: "header.count", 6: "header.missing_accept_language", 7: "header.odd_connection",
	8: "header.has_automation_marker",
	9: "ip.is_datacenter", 10: "ip.is_cloud", 11: "ip.reputation_bad", 12: "ip.reputation_good",
	13: "behavioral.request_rate", 14: "behavioral.timing_cv", 15: "behavioral.missing_referer",
	16: "behavioral.missing_cookies",
	17: "client.missing_js_markers", 18: "client.fingerprint_present",
	19: "fingerprint.tls_anomaly", 20: "fingerprint.tcp_anomaly", 21: "fingerprint.http2_anomaly",
	22: "geo.country_changed", 23: "geo.is_high_risk_country",
	24: "honeypot.hit",
	25: "correlation.cross_layer_mismatch",
	26: "reputation.good_count_log", 27: "reputation.bad_count_log",
	28: "security_tool.scanner_signature_match",
	// 29-63 reserved for future detector features; left at 0 until assigned.
}

// VectorizeHeuristic reads the fixed feature schema off the blackboard and
// returns the raw (unnormalized) 64-dim vector; Index.Add and FindSimilar
// L2-normalize it. Missing signals default to 0.
func VectorizeHeuristic(bb *blackboard.Blackboard) [HeuristicDim]float32 {
	var vec [HeuristicDim]float32
	for i, key := range featureOrder {
		if key == "" {
			continue
		}
		vec[i] = readFloatSignal(bb, key)
	}
	return vec
}

func readFloatSignal(bb *blackboard.Blackboard, key string) float32 {
	raw, ok := bb.Get(key)
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	case int:
		return float32(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}
