package hasher

import (
	"testing"
	"time"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestNewRejectsShortKeys(t *testing.T) {
	if _, err := New([]byte("short")); err != ErrKeyTooShort {
		t.Fatalf("New(short key) err = %v, want ErrKeyTooShort", err)
	}
}

func TestHashDeterministic(t *testing.T) {
	h, err := New(testKey())
	if err != nil {
		t.Fatal(err)
	}
	a := h.Hash("198.51.100.42")
	b := h.Hash("198.51.100.42")
	if a != b {
		t.Errorf("Hash not deterministic: %q != %q", a, b)
	}
	if len(a) == 0 {
		t.Error("Hash returned empty string")
	}
}

func TestHashDifferentKeysDiffer(t *testing.T) {
	h1, _ := New(testKey())
	h2, _ := New([]byte("fedcba9876543210fedcba9876543210"))
	if h1.Hash("same-input") == h2.Hash("same-input") {
		t.Error("different keys produced identical hash")
	}
}

func TestComposeDropsEmptyParts(t *testing.T) {
	h, _ := New(testKey())
	a := h.Compose("ip", "", "ua")
	b := h.Compose("ip", "ua")
	if a != b {
		t.Error("Compose should treat empty parts as absent")
	}
}

func TestHashIPSubnet(t *testing.T) {
	h, _ := New(testKey())
	a := h.HashIPSubnet("203.0.113.5", 24)
	b := h.HashIPSubnet("203.0.113.200", 24)
	if a != b {
		t.Error("IPs in the same /24 should hash to the same subnet signature")
	}
	c := h.HashIPSubnet("203.0.114.5", 24)
	if a == c {
		t.Error("IPs in different /24s should hash to different subnet signatures")
	}
}

func TestHashIPSubnetIPv6Fallback(t *testing.T) {
	h, _ := New(testKey())
	a := h.HashIPSubnet("2001:db8::1", 24)
	b := h.Hash("2001:db8::1")
	if a != b {
		t.Error("IPv6 should fall back to whole-address hash")
	}
}

func TestDeriveDailyIsDeterministicPerDay(t *testing.T) {
	h, _ := New(testKey())
	day := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	d1, err := h.DeriveDaily(day)
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := h.DeriveDaily(day)
	if d1.Hash("x") != d2.Hash("x") {
		t.Error("DeriveDaily should be deterministic for the same date")
	}
	otherDay, _ := h.DeriveDaily(day.AddDate(0, 0, 1))
	if d1.Hash("x") == otherDay.Hash("x") {
		t.Error("DeriveDaily should differ across days")
	}
}

func TestDeriveTenantIsolatesKeys(t *testing.T) {
	h, _ := New(testKey())
	a, _ := h.DeriveTenant("tenant-a")
	b, _ := h.DeriveTenant("tenant-b")
	if a.Hash("x") == b.Hash("x") {
		t.Error("different tenants should derive different keys")
	}
}
