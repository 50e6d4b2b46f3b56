// Package hasher computes keyed, truncated HMAC signatures over request
// identifiers (IP, UA, composite tuples) so nothing reversible ever reaches
// durable storage. Hashing is infallible once constructed; construction
// fails on a too-short key, and key derivation reports HKDF read errors.
package hasher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// minKeyBytes is the minimum accepted key length (128 bits).
const minKeyBytes = 16

// sigBytes is the truncation length applied to every HMAC-SHA256 digest.
const sigBytes = 16

var ErrKeyTooShort = errors.New("hasher: key must be at least 128 bits")

// Hasher computes keyed truncated HMAC-SHA256 signatures under a fixed key.
type Hasher struct {
	key []byte
}

// New constructs a Hasher from a deployment secret key. Keys shorter than
// 128 bits are rejected.
func New(key []byte) (*Hasher, error) {
	if len(key) < minKeyBytes {
		return nil, ErrKeyTooShort
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Hasher{key: cp}, nil
}

// Hash returns a 16-byte HMAC-SHA256 truncation of input, base64url encoded
// without padding.
func (h *Hasher) Hash(input string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(input))
	sum := mac.Sum(nil)[:sigBytes]
	return base64.RawURLEncoding.EncodeToString(sum)
}

// Compose joins non-empty parts with "|" and hashes the result. Empty parts
// are dropped so absent factors don't perturb the digest differently than
// an adjacent absent factor would.
func (h *Hasher) Compose(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return h.Hash(strings.Join(nonEmpty, "|"))
}

// HashIPSubnet computes the CIDR string for ip at the given prefix length
// (8, 16, or 24 for IPv4) and hashes it. IPv6 addresses fall back to hashing
// the whole address, since prefix-based bucketing on IPv6 requires a
// different scheme this spec doesn't define.
func (h *Hasher) HashIPSubnet(ip string, prefixLen int) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return h.Hash(ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return h.Hash(ip)
	}
	switch prefixLen {
	case 8, 16, 24:
	default:
		prefixLen = 24
	}
	mask := net.CIDRMask(prefixLen, 32)
	network := v4.Mask(mask)
	cidr := fmt.Sprintf("%s/%d", network.String(), prefixLen)
	return h.Hash(cidr)
}

// DeriveDaily returns a new Hasher whose key is HKDF-SHA256-derived from this
// Hasher's key, scoped to the given date (YYYY-MM-DD).
func (h *Hasher) DeriveDaily(date time.Time) (*Hasher, error) {
	return h.derive("daily", date.UTC().Format("2006-01-02"))
}

// DeriveTenant returns a new Hasher whose key is HKDF-SHA256-derived from
// this Hasher's key, scoped to the given tenant id.
func (h *Hasher) DeriveTenant(tenantID string) (*Hasher, error) {
	return h.derive("tenant", tenantID)
}

func (h *Hasher) derive(scope, id string) (*Hasher, error) {
	info := fmt.Sprintf("stylobot:%s:v1:%s", scope, id)
	reader := hkdf.New(sha256.New, h.key, nil, []byte(info))
	derived := make([]byte, sha256.Size)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("hasher: derive %s key: %w", scope, err)
	}
	return &Hasher{key: derived}, nil
}
