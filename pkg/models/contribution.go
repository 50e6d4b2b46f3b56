package models

import "time"

// BotType is the coarse classification a detector may suggest alongside its
// score. Kept as a string enum (not an int bitmask) since the set grows as
// new detectors are added and the value is persisted/serialized.
type BotType string

const (
	BotTypeUnknown      BotType = "unknown"
	BotTypeVerifiedBot  BotType = "verified_bot"
	BotTypeGoodBot      BotType = "good_bot"
	BotTypeBadBot       BotType = "bad_bot"
	BotTypeScanner      BotType = "scanner"
	BotTypeScraper      BotType = "scraper"
	BotTypeAutomation   BotType = "automation"
	BotTypeHumanLike    BotType = "human_like"
)

// Category tags group contributions for AggregatedEvidence's category
// breakdown. A bitmask-style uint64 is used for
// the handful of call sites that need to test multiple categories at once
// (a compact bitmask), while the
// Contribution itself carries the human-readable Category string.
type CategoryFlag uint64

const (
	CategoryReputation CategoryFlag = 1 << iota
	CategoryUserAgent
	CategoryHeader
	CategoryIP
	CategorySecurityTool
	CategoryBehavioral
	CategoryClientSide
	CategoryFingerprint
	CategoryGeo
	CategoryCorrelation
	CategoryAI
	CategoryResponse
)

// Contribution is one detector's immutable piece of evidence toward the
// verdict. ConfidenceDelta is signed: positive means more bot-like.
type Contribution struct {
	DetectorName     string
	Category         string
	CategoryFlag     CategoryFlag
	Priority         int
	Timestamp        time.Time
	ProcessingTime   time.Duration
	ConfidenceDelta  float64 // [-1, 1]
	Weight           float64 // >= 0
	Reason           string
	SuggestedBotType BotType
	SuggestedBotName string
	EmittedSignals   []Signal
	EarlyExit        *EarlyExitVerdict
}

// Impact is the signed, weighted contribution this evidence makes to the
// aggregate: ConfidenceDelta * Weight.
func (c Contribution) Impact() float64 {
	return c.ConfidenceDelta * c.Weight
}

// EarlyExitVerdict is carried by a Contribution whose detector manifest
// permits it to short-circuit the remaining orchestrator waves.
type EarlyExitVerdict struct {
	IsBot      bool
	Action     ActionName
	Reason     string
	BotType    BotType
	BotName    string
}

// ActionName names the kind of Action resolved by the policy engine;
// used here only for EarlyExitVerdict's hint; the real tagged union lives
// in action.go.
type ActionName string

const (
	ActionAllow     ActionName = "allow"
	ActionLogOnly   ActionName = "log_only"
	ActionThrottle  ActionName = "throttle"
	ActionChallenge ActionName = "challenge"
	ActionRedirect  ActionName = "redirect"
	ActionBlock     ActionName = "block"
)
