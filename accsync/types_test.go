package accsync

import (
	"testing"
	"time"
)

func TestSyncSettingsConfigDefaults(t *testing.T) {
	raw := []byte(`{"entities":{"customer":{"enabled":true},"item":{"enabled":false,"direction":"push-to-accounting","owner":"provider"}}}`)
	settings := DecodeSyncSettings(raw)

	customer := settings.Config("customer")
	if !customer.Enabled {
		t.Fatal("customer should be enabled")
	}
	if customer.Direction != DirectionBoth {
		t.Fatalf("empty direction should default to %q, got %q", DirectionBoth, customer.Direction)
	}
	if customer.Owner != OwnerCarbon {
		t.Fatalf("empty owner should default to %q, got %q", OwnerCarbon, customer.Owner)
	}

	item := settings.Config("item")
	if item.Enabled {
		t.Fatal("item should be disabled")
	}
	if item.Direction != DirectionPush || item.Owner != OwnerProvider {
		t.Fatalf("configured values should survive: %+v", item)
	}

	// Unconfigured type falls back to the default policy.
	invoice := settings.Config("invoice")
	if invoice != DefaultEntityConfig() {
		t.Fatalf("unconfigured type should get defaults, got %+v", invoice)
	}
}

func TestDecodeSyncSettingsTolerance(t *testing.T) {
	if s := DecodeSyncSettings(nil); s.Entities != nil {
		t.Fatal("nil input should decode to empty settings")
	}
	if s := DecodeSyncSettings([]byte("{not json")); s.Entities != nil {
		t.Fatal("malformed input should decode to empty settings")
	}
	if cfg := DecodeSyncSettings(nil).Config("customer"); !cfg.Enabled {
		t.Fatal("empty settings should still yield the default policy")
	}
}

func TestDirectionGates(t *testing.T) {
	cases := []struct {
		direction string
		push      bool
		pull      bool
	}{
		{"", true, true},
		{DirectionBoth, true, true},
		{DirectionPush, true, false},
		{DirectionPull, false, true},
		{"garbage", false, false},
	}
	for _, tc := range cases {
		cfg := EntityConfig{Direction: tc.direction}
		if cfg.pushAllowed() != tc.push {
			t.Errorf("direction %q: pushAllowed=%v, want %v", tc.direction, cfg.pushAllowed(), tc.push)
		}
		if cfg.pullAllowed() != tc.pull {
			t.Errorf("direction %q: pullAllowed=%v, want %v", tc.direction, cfg.pullAllowed(), tc.pull)
		}
	}
}

func TestBatchSyncResultCounters(t *testing.T) {
	var batch BatchSyncResult
	batch.add(SyncResult{Status: StatusSuccess, EntityId: "1"})
	batch.add(SyncResult{Status: StatusSuccess, EntityId: "2"})
	batch.add(SyncResult{Status: StatusSkipped, EntityId: "3", Reason: "nothing changed"})
	batch.add(SyncResult{Status: StatusError, EntityId: "4", Error: "boom"})
	batch.add(SyncResult{Status: "unexpected", EntityId: "5"})

	if batch.Success != 2 || batch.Skipped != 1 || batch.Errors != 2 {
		t.Fatalf("counters wrong: %+v", batch)
	}
	if len(batch.Results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(batch.Results))
	}
}

func TestEncodeSyncSettingsRoundTrip(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := SyncSettings{Entities: map[string]EntityConfig{
		"invoice": {Enabled: true, Direction: DirectionPush, Owner: OwnerCarbon, ChangedAfter: &cutoff},
	}}
	out := DecodeSyncSettings(EncodeSyncSettings(in))

	cfg := out.Config("invoice")
	if cfg.Direction != DirectionPush || cfg.Owner != OwnerCarbon || !cfg.Enabled {
		t.Fatalf("round trip lost fields: %+v", cfg)
	}
	if cfg.ChangedAfter == nil || !cfg.ChangedAfter.Equal(cutoff) {
		t.Fatalf("round trip lost cutoff: %+v", cfg.ChangedAfter)
	}
}
