package probe

import (
	"fmt"
	"math"
	"sort"

	"driftcast/internal/config"
)

// closestFramerateStandard picks the standard frame rate that divides most
// evenly into the source rate. The comparator sorts candidates by
// fps mod candidate ascending and takes the first: downsampling has to be
// done to a divisor of the nominal fps value. The comparator is kept exactly
// as documented, order dependence included, because downstream fixtures
// depend on its output.
func closestFramerateStandard(fps float64, standards []int) int {
	sorted := append([]int(nil), standards...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Mod(fps, float64(sorted[i])) < math.Mod(fps, float64(sorted[j]))
	})
	return sorted[0]
}

// ComputeFPS derives the output frame rate for a target resolution from the
// measured input rate. A result below the configured minimum is a fatal
// configuration error, never a silent clamp.
func ComputeFPS(fps float64, resolution int, settings config.FPSSettings) (float64, error) {
	result := fps

	// On small and medium resolutions, limit FPS.
	if resolution < settings.KeepOrigin && result > float64(settings.Average) {
		result = float64(closestFramerateStandard(result, settings.Standard))
	}

	// Hard FPS limits.
	if result > float64(settings.Max) {
		result = float64(closestFramerateStandard(result, settings.HDStandard))
	}

	if result < float64(settings.Min) {
		return 0, fmt.Errorf("cannot compute fps because %g is lower than the minimum value %d", result, settings.Min)
	}

	return result, nil
}
