package middleware

import (
	"encoding/json"
	"sort"

	"github.com/stylobot/gateway/pkg/models"
)

// headerContribution is the compact wire shape for the contributions
// header.
type headerContribution struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Impact   float64 `json:"impact"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason,omitempty"`
}

// maxHeaderContributions bounds header size; the full trail lives in the
// detection record.
const maxHeaderContributions = 10

func reasonsJSON(evidence *models.AggregatedEvidence) string {
	reasons := make([]string, 0, 5)
	for _, c := range sortedByImpact(evidence.Contributions) {
		if c.Reason == "" {
			continue
		}
		reasons = append(reasons, c.Reason)
		if len(reasons) == 5 {
			break
		}
	}
	out, err := json.Marshal(reasons)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func contributionsJSON(evidence *models.AggregatedEvidence) string {
	wire := make([]headerContribution, 0, maxHeaderContributions)
	for _, c := range sortedByImpact(evidence.Contributions) {
		wire = append(wire, headerContribution{
			Name:     c.DetectorName,
			Category: c.Category,
			Impact:   c.Impact(),
			Weight:   c.Weight,
			Reason:   c.Reason,
		})
		if len(wire) == maxHeaderContributions {
			break
		}
	}
	out, err := json.Marshal(wire)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func sortedByImpact(contributions []models.Contribution) []models.Contribution {
	sorted := append([]models.Contribution(nil), contributions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ii, jj := sorted[i].Impact(), sorted[j].Impact()
		if ii < 0 {
			ii = -ii
		}
		if jj < 0 {
			jj = -jj
		}
		return ii > jj
	})
	return sorted
}
