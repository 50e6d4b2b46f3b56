package detectors

import (
	"context"
	"regexp"
	"strconv"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/pkg/models"
)

// currentMajorVersions is the published current major version per browser
// family. Refreshed by the common-UA datasource in production; these
// compiled-in values only drift by a few majors between releases and the
// scoring is distance-based, so staleness degrades gracefully.
var currentMajorVersions = map[string]int{
	"Chrome":  138,
	"Firefox": 141,
	"Safari":  18,
	"Edge":    138,
}

var versionPatterns = map[string]*regexp.Regexp{
	"Chrome":  regexp.MustCompile(`Chrome/(\d+)`),
	"Firefox": regexp.MustCompile(`Firefox/(\d+)`),
	"Safari":  regexp.MustCompile(`Version/(\d+).*Safari`),
	"Edge":    regexp.MustCompile(`Edg(?:e|A|iOS)?/(\d+)`),
}

// VersionSource lets a datasource refresher override the compiled-in
// current-version table.
type VersionSource interface {
	CurrentMajor(family string) (int, bool)
}

// VersionAge scores the distance between the UA's claimed browser major
// version and the current published version. Bot kits pin old UA strings
// for years; real browser fleets auto-update within weeks.
type VersionAge struct {
	Base
	cfg      Config
	versions VersionSource
}

func NewVersionAge(cfg Config, versions VersionSource) *VersionAge {
	defaults := Config{Weight: 0.4, ConfidenceDelta: 0.3, Thresholds: map[string]float64{
		"stale_majors":   8,
		"ancient_majors": 30,
	}}
	return &VersionAge{
		Base:     Base{name: "VersionAge", priority: 80, category: "user_agent", timeout: defaultTimeout},
		cfg:      ResolveConfig(defaults, cfg),
		versions: versions,
	}
}

func (d *VersionAge) currentMajor(family string) (int, bool) {
	if d.versions != nil {
		if v, ok := d.versions.CurrentMajor(family); ok {
			return v, true
		}
	}
	v, ok := currentMajorVersions[family]
	return v, ok
}

func (d *VersionAge) Run(_ context.Context, bb *blackboard.Blackboard, req *models.HttpRequestCtx) ([]models.Contribution, error) {
	ua := req.UserAgent()
	// Derived locally rather than read off the blackboard: UserAgent runs
	// in the same wave and peers must not assume its writes landed yet.
	family := uaFamily(ua)

	pattern, ok := versionPatterns[family]
	if !ok {
		return nil, nil
	}
	m := pattern.FindStringSubmatch(ua)
	if m == nil {
		return nil, nil
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, nil
	}
	bb.Set(models.SignalUAVersion, float64(major))

	current, ok := d.currentMajor(family)
	if !ok {
		return nil, nil
	}

	distance := current - major
	stale := int(d.cfg.threshold("stale_majors", 8))
	ancient := int(d.cfg.threshold("ancient_majors", 30))

	switch {
	case distance > ancient:
		c := d.contribution(0.6, d.cfg.Weight, "browser version decades of releases behind current")
		c.SuggestedBotType = models.BotTypeAutomation
		return []models.Contribution{c}, nil
	case distance > stale:
		return []models.Contribution{d.contribution(d.cfg.ConfidenceDelta, d.cfg.Weight, "browser version well behind current release")}, nil
	case distance < -2:
		// Claims a version that doesn't exist yet.
		return []models.Contribution{d.contribution(0.5, d.cfg.Weight, "browser version ahead of any published release")}, nil
	}
	return []models.Contribution{d.contribution(-0.05, d.cfg.Weight*0.2, "browser version current")}, nil
}
