package models

import "time"

// ReputationStatus is the lifecycle state of a ReputationRecord.
// Transitions: Unknown -> LearnedGood|LearnedBad -> ConfirmedGood|ConfirmedBad
// -> ManuallyBlocked (terminal).
type ReputationStatus string

const (
	RepUnknown        ReputationStatus = "unknown"
	RepLearnedGood    ReputationStatus = "learned_good"
	RepLearnedBad     ReputationStatus = "learned_bad"
	RepConfirmedGood  ReputationStatus = "confirmed_good"
	RepConfirmedBad   ReputationStatus = "confirmed_bad"
	RepManuallyBlocked ReputationStatus = "manually_blocked"
)

// ReputationRecord is the per-pattern/signature reputation state.
type ReputationRecord struct {
	Signature    string
	GoodCount    int64
	BadCount     int64
	LastSeen     time.Time
	DecayedAt    time.Time
	Status       ReputationStatus
}

// ReputationDelta is the kind of update applied by LearningBus handlers.
type ReputationDelta string

const (
	DeltaGood         ReputationDelta = "good"
	DeltaBad          ReputationDelta = "bad"
	DeltaConfirmedBad ReputationDelta = "confirmed_bad"
	DeltaManualBlock  ReputationDelta = "manual_block"
)
