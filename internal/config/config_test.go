package config

import (
	"testing"
	"time"
)

func TestParseResolutions(t *testing.T) {
	enabled := parseResolutions("240p, 480p,720p,4k")
	for _, h := range []int{240, 480, 720, 2160} {
		if !enabled[h] {
			t.Fatalf("expected %dp enabled", h)
		}
	}
	for _, h := range []int{144, 360, 1080, 1440} {
		if enabled[h] {
			t.Fatalf("expected %dp disabled", h)
		}
	}
}

func TestParseResolutionsIgnoresUnknownHeights(t *testing.T) {
	enabled := parseResolutions("999p,abc,360p")
	if !enabled[360] {
		t.Fatalf("expected 360p enabled")
	}
	if _, ok := enabled[999]; ok {
		t.Fatalf("unknown height should not be tracked")
	}
}

func TestLoadDefaults(t *testing.T) {
	snap, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if snap.Profile != "default" {
		t.Fatalf("expected default profile, got %q", snap.Profile)
	}
	if snap.FPS.Max != 60 || snap.FPS.Average != 30 {
		t.Fatalf("unexpected fps defaults: %+v", snap.FPS)
	}
	if snap.SegmentDuration != 4*time.Second {
		t.Fatalf("unexpected segment duration %s", snap.SegmentDuration)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DRIFTCAST_FPS_MAX", "50")
	t.Setenv("DRIFTCAST_LIVE_RESOLUTIONS", "144p")
	t.Setenv("DRIFTCAST_MAX_LIVE_DURATION", "2h")
	snap, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if snap.FPS.Max != 50 {
		t.Fatalf("expected fps max override, got %d", snap.FPS.Max)
	}
	if !snap.LiveResolutions[144] || snap.LiveResolutions[720] {
		t.Fatalf("unexpected live resolutions: %v", snap.LiveResolutions)
	}
	if snap.MaxDuration != 2*time.Hour {
		t.Fatalf("expected 2h duration, got %s", snap.MaxDuration)
	}
}

func TestValidateRejectsBrokenThresholds(t *testing.T) {
	snap := Snapshot{
		FPS:             FPSSettings{Min: 10, Max: 5, Standard: []int{24}, HDStandard: []int{60}},
		SegmentDuration: time.Second,
		SegmentWindow:   2 * time.Second,
	}
	if err := snap.Validate(); err == nil {
		t.Fatalf("expected validation error for max < min")
	}
}
