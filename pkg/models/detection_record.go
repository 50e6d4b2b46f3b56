package models

import "time"

// SchemaVersion is the compile-time constant embedded in every persisted
// DetectionRecord; a mismatch on load invalidates the record.
const SchemaVersion = 1

// DetectionRecord is the zero-PII record persisted per request. Raw IP/UA
// are never populated unless the deployment explicitly opts into
// log_raw_pii (hard-denied in production mode; see internal/config).
type DetectionRecord struct {
	ID        string
	Timestamp time.Time

	Path       string
	Method     string
	StatusCode int
	ResponseMs float64

	BotProbability float64
	Confidence     float64
	RiskBand       RiskBand
	IsBot          bool
	BotType        BotType
	BotName        string

	PolicyName   string
	PolicyAction ActionName

	IPHash     string // 22-char base64url of 16 bytes
	UAHash     string
	GeoHash    string
	SubnetHash string

	// RawIP/RawUA are only ever non-empty when log_raw_pii is enabled; config
	// validation rejects log_raw_pii in production mode, so they stay empty
	// there. The persistence layer writes whatever these fields hold.
	RawIP string `json:"rawIP,omitempty"`
	RawUA string `json:"rawUA,omitempty"`

	Contributions map[string]Contribution // name -> aggregated contribution
	TopReasons    []string                // top-5

	SchemaVersion int
}
