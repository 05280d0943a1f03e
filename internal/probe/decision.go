package probe

import (
	"driftcast/internal/config"
)

// ladderPriority is the order in which target heights are considered. It is
// deliberately not sorted: the position of an entry decides how early its
// encode job is scheduled, not where it lands in the playlist.
var ladderPriority = []int{0, 480, 360, 720, 240, 144, 1080, 1440, 2160}

// LowerResolutions returns the target heights to transcode for a source of
// the given height: every height enabled in configuration that is strictly
// below the source, in scheduling priority order.
func LowerResolutions(sourceHeight int, enabled map[int]bool) []int {
	targets := make([]int, 0, len(ladderPriority))
	for _, height := range ladderPriority {
		if enabled[height] && sourceHeight > height {
			targets = append(targets, height)
		}
	}
	return targets
}

// quickRule is one short-circuiting predicate of the quick-transcode check.
// Rules are evaluated in order; the first failing rule names the rejection.
type quickRule struct {
	name string
	ok   func(snap config.Snapshot, p StreamProbe) bool
}

var quickVideoRules = []quickRule{
	{"profile_default", func(snap config.Snapshot, p StreamProbe) bool {
		return snap.Profile == "default"
	}},
	{"video_present", func(snap config.Snapshot, p StreamProbe) bool {
		return p.Video != nil
	}},
	{"video_bitrate_known", func(snap config.Snapshot, p StreamProbe) bool {
		// If ffprobe did not manage to guess the bitrate, reject.
		return p.Video.Bitrate > 0
	}},
	{"video_codec_h264", func(snap config.Snapshot, p StreamProbe) bool {
		return p.Video.CodecName == "h264"
	}},
	{"pixel_format_yuv420p", func(snap config.Snapshot, p StreamProbe) bool {
		return p.Video.PixelFormat == "yuv420p"
	}},
	{"fps_in_bounds", func(snap config.Snapshot, p StreamProbe) bool {
		return p.Video.FPS >= float64(snap.FPS.Min) && p.Video.FPS <= float64(snap.FPS.Max)
	}},
	{"video_bitrate_ceiling", func(snap config.Snapshot, p StreamProbe) bool {
		return p.Video.Bitrate <= MaxVideoBitrate(p.Video.Width, p.Video.Height, p.Video.FPS)
	}},
}

var quickAudioRules = []quickRule{
	{"audio_codec_aac", func(snap config.Snapshot, p StreamProbe) bool {
		return p.Audio.CodecName == "aac"
	}},
	{"audio_bitrate_known", func(snap config.Snapshot, p StreamProbe) bool {
		return p.Audio.Bitrate > 0
	}},
	{"audio_bitrate_ceiling", func(snap config.Snapshot, p StreamProbe) bool {
		max := MaxAudioBitrate(p.Audio.CodecName)
		return max == -1 || p.Audio.Bitrate <= max
	}},
	{"audio_channel_layout", func(snap config.Snapshot, p StreamProbe) bool {
		// An unknown layout causes playback issues with Chrome.
		layout := p.Audio.ChannelLayout
		return layout != "" && layout != "unknown"
	}},
}

// CanQuickTranscode reports whether the source can be repackaged without a
// re-encode. On rejection it returns the name of the first failing rule.
func CanQuickTranscode(snap config.Snapshot, p StreamProbe) (bool, string) {
	for _, rule := range quickVideoRules {
		if !rule.ok(snap, p) {
			return false, rule.name
		}
	}
	// No audio stream at all passes the audio side.
	if p.Audio == nil {
		return true, ""
	}
	for _, rule := range quickAudioRules {
		if !rule.ok(snap, p) {
			return false, rule.name
		}
	}
	return true, ""
}
