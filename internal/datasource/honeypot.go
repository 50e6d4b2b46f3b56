package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stylobot/gateway/internal/detectors"
)

// HoneypotResolver queries the Project Honeypot HTTP:BL zone. It is a
// lookup port, not a periodic refresher; answers are cached per IP with a
// TTL so a hot signature costs one DNS query per interval. Implements
// detectors.DNSBL. Fail open on every error path.
type HoneypotResolver struct {
	accessKey string
	resolver  *net.Resolver

	mu    sync.Mutex
	cache map[string]cachedBL
}

type cachedBL struct {
	result  detectors.DNSBLResult
	expires time.Time
}

const honeypotCacheTTL = 15 * time.Minute

// NewHoneypotResolver requires the deployment's http:BL access key; an
// empty key disables lookups (the detector sees a nil port).
func NewHoneypotResolver(accessKey string) *HoneypotResolver {
	return &HoneypotResolver{
		accessKey: accessKey,
		resolver:  &net.Resolver{},
		cache:     make(map[string]cachedBL),
	}
}

// Lookup implements detectors.DNSBL: query
// <key>.<reversed-octets>.dnsbl.httpbl.org and decode the 127.days.threat.type
// answer octets.
func (h *HoneypotResolver) Lookup(ctx context.Context, ip string) (detectors.DNSBLResult, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return detectors.DNSBLResult{}, nil // http:BL is IPv4-only
	}

	h.mu.Lock()
	if c, ok := h.cache[ip]; ok && time.Now().Before(c.expires) {
		h.mu.Unlock()
		return c.result, nil
	}
	h.mu.Unlock()

	octets := strings.Split(parsed.To4().String(), ".")
	query := fmt.Sprintf("%s.%s.%s.%s.%s.dnsbl.httpbl.org",
		h.accessKey, octets[3], octets[2], octets[1], octets[0])

	addrs, err := h.resolver.LookupHost(ctx, query)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// NXDOMAIN = not listed; cache the clean answer too.
			result := detectors.DNSBLResult{}
			h.store(ip, result)
			return result, nil
		}
		return detectors.DNSBLResult{}, err
	}
	if len(addrs) == 0 {
		result := detectors.DNSBLResult{}
		h.store(ip, result)
		return result, nil
	}

	result := decodeHTTPBL(addrs[0])
	h.store(ip, result)
	return result, nil
}

func (h *HoneypotResolver) store(ip string, result detectors.DNSBLResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.cache) > 50_000 {
		h.cache = make(map[string]cachedBL)
	}
	h.cache[ip] = cachedBL{result: result, expires: time.Now().Add(honeypotCacheTTL)}
}

// decodeHTTPBL parses a 127.days.threat.type answer.
func decodeHTTPBL(answer string) detectors.DNSBLResult {
	parts := strings.Split(answer, ".")
	if len(parts) != 4 || parts[0] != "127" {
		return detectors.DNSBLResult{}
	}
	days, _ := strconv.Atoi(parts[1])
	threat, _ := strconv.Atoi(parts[2])
	visitorType, _ := strconv.Atoi(parts[3])
	return detectors.DNSBLResult{
		Listed:      true,
		DaysStale:   days,
		ThreatScore: threat,
		VisitorType: visitorType,
	}
}

// FCrDNS is the forward-confirmed reverse DNS port for VerifiedBot.
// Implements detectors.ReverseDNS.
type FCrDNS struct {
	resolver *net.Resolver

	mu    sync.Mutex
	cache map[string]cachedHost
}

type cachedHost struct {
	host    string
	expires time.Time
}

func NewFCrDNS() *FCrDNS {
	return &FCrDNS{resolver: &net.Resolver{}, cache: make(map[string]cachedHost)}
}

// ConfirmedHostname resolves the PTR for ip and forward-confirms the
// returned hostname resolves back to ip. Returns "" on any failure.
func (f *FCrDNS) ConfirmedHostname(ctx context.Context, ip net.IP) string {
	key := ip.String()

	f.mu.Lock()
	if c, ok := f.cache[key]; ok && time.Now().Before(c.expires) {
		f.mu.Unlock()
		return c.host
	}
	f.mu.Unlock()

	host := f.confirm(ctx, ip)

	f.mu.Lock()
	if len(f.cache) > 50_000 {
		f.cache = make(map[string]cachedHost)
	}
	f.cache[key] = cachedHost{host: host, expires: time.Now().Add(time.Hour)}
	f.mu.Unlock()
	return host
}

func (f *FCrDNS) confirm(ctx context.Context, ip net.IP) string {
	names, err := f.resolver.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	host := strings.TrimSuffix(names[0], ".")

	addrs, err := f.resolver.LookupHost(ctx, host)
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if net.ParseIP(a).Equal(ip) {
			return host
		}
	}
	return ""
}
