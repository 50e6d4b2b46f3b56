package blackboard

import (
	"testing"

	"github.com/stylobot/gateway/pkg/models"
)

func TestSetGetRoundTrip(t *testing.T) {
	b := New()
	b.Set(models.SignalUAFamily, "chrome")

	v, ok := b.Get(models.SignalUAFamily)
	if !ok || v != "chrome" {
		t.Fatalf("Get = (%v, %v), want (chrome, true)", v, ok)
	}
}

func TestGetSignalTypedMismatchReturnsZero(t *testing.T) {
	b := New()
	b.Set(models.SignalIPIsDatacenter, "not-a-bool")

	got, ok := GetSignal[bool](b, models.SignalIPIsDatacenter)
	if ok || got != false {
		t.Errorf("GetSignal[bool] on a string value = (%v, %v), want (false, false)", got, ok)
	}
}

func TestGetSignalTypedMatch(t *testing.T) {
	b := New()
	b.Set(models.SignalIPIsDatacenter, true)

	got, ok := GetSignal[bool](b, models.SignalIPIsDatacenter)
	if !ok || !got {
		t.Errorf("GetSignal[bool] = (%v, %v), want (true, true)", got, ok)
	}
}

func TestHasSignal(t *testing.T) {
	b := New()
	if b.HasSignal(models.SignalUAFamily) {
		t.Error("HasSignal on empty blackboard = true, want false")
	}
	b.Set(models.SignalUAFamily, "curl")
	if !b.HasSignal(models.SignalUAFamily) {
		t.Error("HasSignal after Set = false, want true")
	}
}

func TestSubscribePrefixMatch(t *testing.T) {
	b := New()
	var seen []string
	b.Subscribe("ua.", func(key string, value any) {
		seen = append(seen, key)
	})

	b.Set(models.SignalUAFamily, "chrome")
	b.Set(models.SignalGeoCountryCode, "US")
	b.Set(models.SignalUAVersion, "120")

	if len(seen) != 2 || seen[0] != models.SignalUAFamily || seen[1] != models.SignalUAVersion {
		t.Errorf("subscriber saw %v, want [ua.family ua.version]", seen)
	}
}

func TestSetAllEmitsEverySignal(t *testing.T) {
	b := New()
	c := models.Contribution{
		EmittedSignals: []models.Signal{
			{Key: models.SignalUAFamily, Value: "bot"},
			{Key: models.SignalBehavioralRate, Value: 42.0},
		},
	}
	b.SetAll(c.EmittedSignals)

	if v, _ := b.Get(models.SignalUAFamily); v != "bot" {
		t.Error("SetAll did not write ua.family")
	}
	if v, _ := b.Get(models.SignalBehavioralRate); v != 42.0 {
		t.Error("SetAll did not write behavioral.request_rate")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New()
	b.Set(models.SignalUAFamily, "chrome")

	snap := b.Snapshot()
	snap["injected"] = "value"

	if b.HasSignal("injected") {
		t.Error("mutating Snapshot's result leaked into the Blackboard")
	}
}

func TestKeysReflectsWrites(t *testing.T) {
	b := New()
	b.Set(models.SignalUAFamily, "chrome")
	b.Set(models.SignalGeoCountryCode, "US")

	keys := b.Keys()
	if len(keys) != 2 {
		t.Errorf("Keys() returned %d entries, want 2", len(keys))
	}
}
