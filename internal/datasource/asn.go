package datasource

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ASNInfo is one origin-ASN answer for an IP.
type ASNInfo struct {
	ASN     int
	Name    string
	Country string
}

// ASNLookup resolves the origin ASN for an address via the Team Cymru DNS
// interface (origin.asn.cymru.com TXT records). Lookup results are cached;
// failures fail open with a zero ASNInfo. Used by the middleware's geo
// enrichment to populate GeoInfo.ASN when no dedicated geo provider is
// configured.
type ASNLookup struct {
	resolver *net.Resolver

	mu    sync.Mutex
	cache map[string]cachedASN
}

type cachedASN struct {
	info    ASNInfo
	expires time.Time
}

func NewASNLookup() *ASNLookup {
	return &ASNLookup{resolver: &net.Resolver{}, cache: make(map[string]cachedASN)}
}

// Lookup returns the origin ASN for ip, or a zero ASNInfo when unknown.
func (a *ASNLookup) Lookup(ctx context.Context, ip string) ASNInfo {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return ASNInfo{}
	}

	a.mu.Lock()
	if c, ok := a.cache[ip]; ok && time.Now().Before(c.expires) {
		a.mu.Unlock()
		return c.info
	}
	a.mu.Unlock()

	octets := strings.Split(parsed.To4().String(), ".")
	query := octets[3] + "." + octets[2] + "." + octets[1] + "." + octets[0] + ".origin.asn.cymru.com"

	info := ASNInfo{}
	if txts, err := a.resolver.LookupTXT(ctx, query); err == nil && len(txts) > 0 {
		info = parseCymruTXT(txts[0])
	}

	a.mu.Lock()
	if len(a.cache) > 50_000 {
		a.cache = make(map[string]cachedASN)
	}
	a.cache[ip] = cachedASN{info: info, expires: time.Now().Add(6 * time.Hour)}
	a.mu.Unlock()
	return info
}

// parseCymruTXT decodes "15169 | 8.8.8.0/24 | US | arin | 1992-12-01".
func parseCymruTXT(txt string) ASNInfo {
	fields := strings.Split(txt, "|")
	if len(fields) < 3 {
		return ASNInfo{}
	}
	asnTokens := strings.Fields(fields[0])
	if len(asnTokens) == 0 {
		return ASNInfo{}
	}
	asn, err := strconv.Atoi(asnTokens[0])
	if err != nil {
		return ASNInfo{}
	}
	return ASNInfo{
		ASN:     asn,
		Country: strings.TrimSpace(fields[2]),
	}
}
