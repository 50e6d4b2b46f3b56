package orchestrator

import (
	"sort"

	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/pkg/models"
)

// maxDetectorWeight is the per-detector weight ceiling: an adversarial or
// misconfigured detector cannot dominate the aggregate past it. Overridable per orchestrator via Thresholds.
const maxDetectorWeight = 2.0

// aggregate folds the contribution trail into bot probability, confidence
// and the category breakdown.
func aggregate(evidence *models.AggregatedEvidence, weightCeiling float64) {
	if weightCeiling <= 0 {
		weightCeiling = maxDetectorWeight
	}

	var weightedSum, totalWeight float64
	var deltas []float64
	categories := make(map[string]models.CategoryBreakdown)

	for _, c := range evidence.Contributions {
		w := c.Weight
		if w <= 0 {
			continue
		}
		if w > weightCeiling {
			w = weightCeiling
		}
		weightedSum += c.ConfidenceDelta * w
		totalWeight += w
		deltas = append(deltas, c.ConfidenceDelta)

		cb := categories[c.Category]
		cb.Category = c.Category
		cb.Score += c.ConfidenceDelta * w
		cb.TotalWeight += w
		categories[c.Category] = cb
	}
	evidence.Categories = categories

	if totalWeight == 0 {
		evidence.BotProbability = 0.5
		evidence.Confidence = 0
		evidence.RiskBand = models.RiskUnknown
		return
	}

	evidence.BotProbability = clamp01(weightedSum / totalWeight)

	// Confidence is orthogonal to the probability itself: how much the
	// detectors agree, how many ran, and how much weight backed them.
	agreement := metrics.DeltaAgreement(deltas)
	coverage := float64(len(deltas)) / (float64(len(deltas)) + 3.0)
	saturation := totalWeight / (totalWeight + 2.0)
	evidence.Confidence = clamp01(agreement * coverage * saturation)

	evidence.RiskBand = RiskBandFor(evidence.BotProbability, evidence.Confidence)
	evidence.PrimaryBotType, evidence.PrimaryBotName = primarySuggestion(evidence.Contributions)
}

// RiskBandFor is the pure, total band function.
func RiskBandFor(prob, conf float64) models.RiskBand {
	if conf < 0.3 {
		return models.RiskUnknown
	}
	switch {
	case prob >= 0.95:
		return models.RiskVeryHigh
	case prob >= 0.80:
		return models.RiskHigh
	case prob >= 0.60:
		return models.RiskMedium
	case prob >= 0.40:
		return models.RiskElevated
	case prob >= 0.20:
		return models.RiskLow
	default:
		return models.RiskVeryLow
	}
}

// primarySuggestion picks the bot type/name carried by the highest
// weighted-impact contribution that supplied one; ties broken by priority,
// then timestamp.
func primarySuggestion(contributions []models.Contribution) (models.BotType, string) {
	var withSuggestion []models.Contribution
	for _, c := range contributions {
		if c.SuggestedBotType != "" && c.SuggestedBotType != models.BotTypeUnknown {
			withSuggestion = append(withSuggestion, c)
		}
	}
	if len(withSuggestion) == 0 {
		return models.BotTypeUnknown, ""
	}

	sort.SliceStable(withSuggestion, func(i, j int) bool {
		ii, jj := absImpact(withSuggestion[i]), absImpact(withSuggestion[j])
		if ii != jj {
			return ii > jj
		}
		if withSuggestion[i].Priority != withSuggestion[j].Priority {
			return withSuggestion[i].Priority > withSuggestion[j].Priority
		}
		return withSuggestion[i].Timestamp.Before(withSuggestion[j].Timestamp)
	})
	return withSuggestion[0].SuggestedBotType, withSuggestion[0].SuggestedBotName
}

func absImpact(c models.Contribution) float64 {
	v := c.ConfidenceDelta * c.Weight
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
