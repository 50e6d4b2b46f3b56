package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// crawlerFeeds are the operators' published verification range files.
var crawlerFeeds = map[string]string{
	"google":    "https://developers.google.com/static/search/apis/ipranges/googlebot.json",
	"microsoft": "https://www.bing.com/toolbox/bingbot.json",
}

type crawlerSnapshot struct {
	blocks []providerBlock
}

// CrawlerRanges refreshes the published crawler verification ranges for
// the VerifiedBot detector. Implements detectors.CrawlerRangeSource.
type CrawlerRanges struct {
	client   *http.Client
	snapshot atomic.Pointer[crawlerSnapshot]
}

func NewCrawlerRanges(client *http.Client) *CrawlerRanges {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &CrawlerRanges{client: client}
}

func (c *CrawlerRanges) Name() string            { return "crawler-ranges" }
func (c *CrawlerRanges) Interval() time.Duration { return 12 * time.Hour }

// crawlerFeed matches the googlebot.json / bingbot.json shape.
type crawlerFeed struct {
	Prefixes []struct {
		IPv4Prefix string `json:"ipv4Prefix"`
		IPv6Prefix string `json:"ipv6Prefix"`
	} `json:"prefixes"`
}

func (c *CrawlerRanges) Refresh(ctx context.Context) error {
	snap := &crawlerSnapshot{}
	var firstErr error
	for operator, url := range crawlerFeeds {
		blocks, err := c.fetchOne(ctx, url, operator)
		if err != nil {
			// Partial refresh is fine; a failed operator keeps serving from
			// the previous snapshot only if every operator failed.
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snap.blocks = append(snap.blocks, blocks...)
	}
	if len(snap.blocks) == 0 {
		return firstErr
	}
	c.snapshot.Store(snap)
	return nil
}

func (c *CrawlerRanges) fetchOne(ctx context.Context, url, operator string) ([]providerBlock, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crawler-ranges: %s feed returned %d", operator, resp.StatusCode)
	}

	var feed crawlerFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, err
	}

	var blocks []providerBlock
	for _, p := range feed.Prefixes {
		for _, cidr := range []string{p.IPv4Prefix, p.IPv6Prefix} {
			if cidr == "" {
				continue
			}
			_, block, err := net.ParseCIDR(cidr)
			if err != nil {
				continue
			}
			blocks = append(blocks, providerBlock{net: block, provider: operator})
		}
	}
	return blocks, nil
}

// Lookup implements detectors.CrawlerRangeSource. Returns "" until the
// first successful refresh; the detector then falls back to FCrDNS.
func (c *CrawlerRanges) Lookup(ip net.IP) string {
	snap := c.snapshot.Load()
	if snap == nil {
		return ""
	}
	for _, b := range snap.blocks {
		if b.net.Contains(ip) {
			return b.provider
		}
	}
	return ""
}
