package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// versionTable maps browser family to the current published major version.
type versionTable map[string]int

// UAVersions refreshes the current browser major versions from a
// chromestatus-style JSON feed and serves them to the VersionAge detector.
// Implements detectors.VersionSource.
type UAVersions struct {
	client   *http.Client
	url      string
	snapshot atomic.Pointer[versionTable]
}

// NewUAVersions takes the feed URL; empty disables refreshing (the
// detector's compiled-in table keeps serving).
func NewUAVersions(client *http.Client, url string) *UAVersions {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &UAVersions{client: client, url: url}
}

func (u *UAVersions) Name() string            { return "ua-versions" }
func (u *UAVersions) Interval() time.Duration { return 24 * time.Hour }

func (u *UAVersions) Refresh(ctx context.Context) error {
	if u.url == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ua-versions: feed returned %d", resp.StatusCode)
	}

	table := versionTable{}
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return err
	}
	if len(table) == 0 {
		return fmt.Errorf("ua-versions: empty feed")
	}
	u.snapshot.Store(&table)
	return nil
}

// CurrentMajor implements detectors.VersionSource.
func (u *UAVersions) CurrentMajor(family string) (int, bool) {
	snap := u.snapshot.Load()
	if snap == nil {
		return 0, false
	}
	v, ok := (*snap)[family]
	return v, ok
}
