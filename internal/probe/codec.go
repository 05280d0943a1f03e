package probe

import (
	"fmt"
	"log/slog"
)

// baseProfileMatrix maps a container codec identifier to per-profile base
// codes used when building RFC 6381 codec tags.
var baseProfileMatrix = map[string]map[string]string{
	"avc1": {
		"High":     "6400",
		"Main":     "4D40",
		"Baseline": "42E0",
	},
	"av01": {
		"High":         "1",
		"Main":         "0",
		"Professional": "2",
	},
}

// VideoCodecTag builds the codec tag advertised in the master playlist for
// the given video stream. Unknown profiles fall back to the codec's High
// entry with a warning; an unsupported codec identifier is an error.
func VideoCodecTag(stream *VideoStream, logger *slog.Logger) (string, error) {
	if stream == nil {
		return "", fmt.Errorf("video stream is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch stream.CodecTag {
	case "vp09":
		return "vp09.00.50.08", nil
	case "hev1":
		return "hev1.1.6.L93.B0", nil
	}

	profiles, ok := baseProfileMatrix[stream.CodecTag]
	if !ok {
		return "", fmt.Errorf("unsupported video codec %q", stream.CodecTag)
	}

	baseProfile, ok := profiles[stream.Profile]
	if !ok {
		logger.Warn("cannot resolve video profile, falling back to High",
			"codec", stream.CodecTag,
			"profile", stream.Profile,
		)
		baseProfile = profiles["High"]
	}

	if stream.CodecTag == "av01" {
		// Guess the tier indicator and bit depth.
		return fmt.Sprintf("%s.%s.%dM.08", stream.CodecTag, baseProfile, stream.Level), nil
	}

	// Default, h264 codec.
	level := fmt.Sprintf("%x", stream.Level)
	if len(level) == 1 {
		level = "0" + level
	}
	return fmt.Sprintf("%s.%s%s", stream.CodecTag, baseProfile, level), nil
}

// AudioCodecTag maps an audio codec name to its playlist codec tag. It never
// fails: unrecognised codecs fall back to the AAC tag with a warning.
func AudioCodecTag(stream *AudioStream, logger *slog.Logger) string {
	if stream == nil {
		return ""
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch stream.CodecName {
	case "opus":
		return "opus"
	case "vorbis":
		return "vorbis"
	case "aac":
		return "mp4a.40.2"
	}

	logger.Warn("cannot resolve audio codec, falling back to aac tag", "codec", stream.CodecName)
	return "mp4a.40.2"
}
