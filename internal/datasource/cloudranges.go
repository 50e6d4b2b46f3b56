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

// rangeSnapshot is one immutable generation of parsed CIDR blocks.
type rangeSnapshot struct {
	blocks []providerBlock
}

type providerBlock struct {
	net      *net.IPNet
	provider string
}

// CloudRanges refreshes published cloud-provider address ranges (AWS
// ip-ranges.json plus any additional configured feeds) and serves
// lock-free lookups for the IP detector. Implements detectors.CIDRSource.
type CloudRanges struct {
	client   *http.Client
	awsURL   string
	extra    map[string][]string // provider -> static CIDR strings (Azure/GCP feeds need auth; ship the published supernets)
	snapshot atomic.Pointer[rangeSnapshot]
}

// awsIPRangesURL is the public AWS feed; override in tests.
const awsIPRangesURL = "https://ip-ranges.amazonaws.com/ip-ranges.json"

func NewCloudRanges(client *http.Client) *CloudRanges {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	c := &CloudRanges{
		client: client,
		awsURL: awsIPRangesURL,
		extra: map[string][]string{
			"gcp":        {"34.0.0.0/8", "35.0.0.0/8"},
			"azure":      {"20.0.0.0/8", "40.0.0.0/8", "52.224.0.0/11"},
			"oracle":     {"129.146.0.0/16", "152.67.0.0/16"},
			"cloudflare": {"104.16.0.0/12", "172.64.0.0/13"},
		},
	}
	// Seed with the static table so lookups work before the first fetch.
	c.snapshot.Store(c.parse(nil))
	return c
}

func (c *CloudRanges) Name() string            { return "cloud-ranges" }
func (c *CloudRanges) Interval() time.Duration { return 6 * time.Hour }

// awsFeed is the subset of ip-ranges.json we read.
type awsFeed struct {
	Prefixes []struct {
		IPPrefix string `json:"ip_prefix"`
	} `json:"prefixes"`
}

func (c *CloudRanges) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.awsURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloud-ranges: feed returned %d", resp.StatusCode)
	}

	var feed awsFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return err
	}

	aws := make([]string, 0, len(feed.Prefixes))
	for _, p := range feed.Prefixes {
		aws = append(aws, p.IPPrefix)
	}
	c.snapshot.Store(c.parse(aws))
	return nil
}

func (c *CloudRanges) parse(aws []string) *rangeSnapshot {
	snap := &rangeSnapshot{}
	add := func(cidr, provider string) {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return
		}
		snap.blocks = append(snap.blocks, providerBlock{net: block, provider: provider})
	}
	if len(aws) == 0 {
		add("52.0.0.0/8", "aws")
		add("3.0.0.0/8", "aws")
	}
	for _, cidr := range aws {
		add(cidr, "aws")
	}
	for provider, cidrs := range c.extra {
		for _, cidr := range cidrs {
			add(cidr, provider)
		}
	}
	return snap
}

// Lookup implements detectors.CIDRSource over the current snapshot.
func (c *CloudRanges) Lookup(ip net.IP) (bool, string) {
	snap := c.snapshot.Load()
	if snap == nil {
		return false, ""
	}
	for _, b := range snap.blocks {
		if b.net.Contains(ip) {
			return true, b.provider
		}
	}
	return false, ""
}
