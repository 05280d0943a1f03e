package probe

import "math"

// maxBitPerPixel caps the tolerated bits per pixel per second for each
// resolution tier. Smaller pictures tolerate proportionally more bits per
// pixel before a re-encode pays off.
var maxBitPerPixel = map[int]float64{
	0:    0,
	144:  0.32,
	240:  0.29,
	360:  0.26,
	480:  0.22,
	720:  0.19,
	1080: 0.17,
	1440: 0.16,
	2160: 0.14,
}

// resolutionTiers must stay sorted ascending.
var resolutionTiers = []int{0, 144, 240, 360, 480, 720, 1080, 1440, 2160}

// tierFor snaps a picture height to the closest tier at or below it.
func tierFor(height int) int {
	tier := resolutionTiers[0]
	for _, candidate := range resolutionTiers {
		if candidate <= height {
			tier = candidate
		}
	}
	return tier
}

// MaxVideoBitrate returns the maximum tolerated bitrate in bits per second
// for a source of the given dimensions and frame rate. The result grows
// monotonically with pixel count and frame rate.
func MaxVideoBitrate(width, height int, fps float64) int64 {
	if width <= 0 || height <= 0 || fps <= 0 {
		return 0
	}
	side := height
	if width < height {
		// Portrait input: the smaller dimension drives the tier.
		side = width
	}
	bpp := maxBitPerPixel[tierFor(side)]
	if bpp == 0 {
		bpp = maxBitPerPixel[144]
	}
	return int64(math.Floor(float64(width*height) * fps * bpp))
}

// RenditionBitrateCeiling returns the encoder bitrate ceiling for a target
// rendition height at the given frame rate, assuming 16:9 output.
func RenditionBitrateCeiling(height int, fps float64) int64 {
	if height <= 0 {
		return 0
	}
	width := height * 16 / 9
	return MaxVideoBitrate(width, height, fps)
}

const maxAACBitrate = 384_000

// MaxAudioBitrate returns the maximum tolerated audio bitrate in bits per
// second for the codec, or -1 when no cap applies.
func MaxAudioBitrate(codecName string) int64 {
	if codecName == "aac" {
		return maxAACBitrate
	}
	return -1
}
