package probe

import (
	"testing"

	"driftcast/internal/config"
)

func TestComputeFPSIdempotentOnCompliantInput(t *testing.T) {
	got, err := ComputeFPS(30, 720, config.DefaultFPS)
	if err != nil {
		t.Fatalf("ComputeFPS returned error: %v", err)
	}
	if got != 30 {
		t.Fatalf("ComputeFPS(30, 720p) = %g, want 30", got)
	}
}

func TestComputeFPSSnapsSmallResolutions(t *testing.T) {
	// 480p is below the keep-origin threshold and 60 exceeds the average,
	// so the rate snaps to the standard set.
	got, err := ComputeFPS(60, 480, config.DefaultFPS)
	if err != nil {
		t.Fatalf("ComputeFPS returned error: %v", err)
	}
	// 60 % 30 == 0 beats 60 % 24 and 60 % 25.
	if got != 30 {
		t.Fatalf("ComputeFPS(60, 480p) = %g, want 30", got)
	}
}

func TestComputeFPSKeepsOriginOnLargeResolutions(t *testing.T) {
	got, err := ComputeFPS(48, 1080, config.DefaultFPS)
	if err != nil {
		t.Fatalf("ComputeFPS returned error: %v", err)
	}
	if got != 48 {
		t.Fatalf("ComputeFPS(48, 1080p) = %g, want 48", got)
	}
}

func TestComputeFPSHardMaximumResnapsToHDSet(t *testing.T) {
	got, err := ComputeFPS(144, 1080, config.DefaultFPS)
	if err != nil {
		t.Fatalf("ComputeFPS returned error: %v", err)
	}
	// 144 % 50 == 44, 144 % 60 == 24: the HD set picks 60.
	if got != 60 {
		t.Fatalf("ComputeFPS(144, 1080p) = %g, want 60", got)
	}
}

func TestComputeFPSUnderflowIsFatal(t *testing.T) {
	settings := config.DefaultFPS
	settings.Min = 10
	settings.Standard = []int{5}
	if _, err := ComputeFPS(31, 480, settings); err == nil {
		t.Fatalf("expected fatal error when snapped below minimum")
	}
}

func TestClosestFramerateStandardTieBreak(t *testing.T) {
	// The documented comparator picks the candidate with the smallest
	// remainder; ties keep the set order.
	cases := []struct {
		fps       float64
		standards []int
		want      int
	}{
		{60, []int{24, 25, 30}, 30},
		{50, []int{24, 25, 30}, 25},
		{48, []int{24, 25, 30}, 24},
		{120, []int{50, 60}, 60},
		{100, []int{50, 60}, 50},
	}
	for _, tc := range cases {
		if got := closestFramerateStandard(tc.fps, tc.standards); got != tc.want {
			t.Fatalf("closestFramerateStandard(%g, %v) = %d, want %d", tc.fps, tc.standards, got, tc.want)
		}
	}
}
