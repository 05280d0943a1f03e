package playlist

import "driftcast/internal/probe"

// VariantBitrate picks the bitrate advertised for a rendition in the master
// playlist. When the source stream is passed through unmodified the variant
// must stay strictly below the measured source bitrate; otherwise the
// rendition's configured ceiling applies.
func VariantBitrate(quickTranscode bool, sourceBitrate int64, height int, fps float64) int64 {
	ceiling := probe.RenditionBitrateCeiling(height, fps)
	if quickTranscode && sourceBitrate > 0 {
		capped := sourceBitrate - 1
		if capped < ceiling {
			ceiling = capped
		}
	}
	if ceiling < 1 {
		ceiling = 1
	}
	return ceiling
}
