package detectors

import (
	"context"
	"strings"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// Inconsistency cross-checks fields that honest clients keep in agreement:
// the UA string vs. Sec-CH-UA client hints, claimed platform vs. mobile
// hint, Accept-Language vs. claimed locale ordering.
type Inconsistency struct {
	Base
	cfg Config
}

func NewInconsistency(cfg Config) *Inconsistency {
	defaults := Config{Weight: 0.7, ConfidenceDelta: 0.6}
	return &Inconsistency{
		Base: Base{
			name:       "Inconsistency",
			priority:   70,
			category:   "header",
			triggersOn: []string{models.SignalUAFamily},
			timeout:    defaultTimeout,
		},
		cfg: ResolveConfig(defaults, cfg),
	}
}

func (d *Inconsistency) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	var contributions []models.Contribution

	family, _ := blackboard.GetSignal[string](bb, models.SignalUAFamily)
	chUA := req.Headers.Get("Sec-CH-UA")
	ua := req.UserAgent()

	// Sec-CH-UA present but naming a different engine family than the UA
	// string claims. Honest Chromium derivatives list "Chromium" in the
	// brand set; Firefox and Safari never send Sec-CH-UA at all.
	if chUA != "" {
		switch family {
		case "Firefox", "Safari":
			contributions = append(contributions, d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "Sec-CH-UA sent by a browser family that never sends client hints"))
		case "Chrome", "Edge":
			if !strings.Contains(chUA, "Chromium") && !strings.Contains(chUA, "Chrome") && !strings.Contains(chUA, "Edge") {
				contributions = append(contributions, d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "Sec-CH-UA brand set contradicts user-agent family"))
			}
		}
	}

	// Mobile hint vs. UA platform token.
	if mobile := req.Headers.Get("Sec-CH-UA-Mobile"); mobile != "" {
		uaClaimsMobile := strings.Contains(ua, "Mobile") || strings.Contains(ua, "Android")
		hintClaimsMobile := mobile == "?1"
		if uaClaimsMobile != hintClaimsMobile {
			contributions = append(contributions, d.contribution(0.5, d.cfg.Weight, "Sec-CH-UA-Mobile contradicts user-agent platform claim"))
		}
	}

	// Platform hint vs. UA OS token.
	if platform := strings.Trim(req.Headers.Get("Sec-CH-UA-Platform"), `"`); platform != "" {
		var uaOS string
		switch {
		case strings.Contains(ua, "Windows"):
			uaOS = "Windows"
		case strings.Contains(ua, "Android"):
			uaOS = "Android"
		case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
			uaOS = "iOS"
		case strings.Contains(ua, "Mac OS X"):
			uaOS = "macOS"
		case strings.Contains(ua, "Linux"):
			uaOS = "Linux"
		}
		if uaOS != "" && !strings.EqualFold(platform, uaOS) {
			contributions = append(contributions, d.contribution(0.55, d.cfg.Weight, "Sec-CH-UA-Platform contradicts user-agent OS claim"))
		}
	}

	if len(contributions) > 0 {
		bb.Set("header.inconsistency_count", float64(len(contributions)))
	}
	return contributions, nil
}
