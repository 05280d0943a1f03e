package session

import (
	"fmt"
	"log/slog"

	"driftcast/internal/config"
	"driftcast/internal/playlist"
	"driftcast/internal/probe"
	"driftcast/internal/supervisor"
)

// Plan is the decision output for one ingest: whether the source can be
// repackaged without a re-encode, and the full rendition set to produce.
type Plan struct {
	QuickTranscode bool
	// RejectionRule names the first quick-transcode rule that failed, empty
	// when QuickTranscode is true.
	RejectionRule string
	Jobs          []supervisor.TranscodeJob
	Renditions    []playlist.Rendition
}

// BuildPlan turns a stream probe into the set of transcode jobs for a live
// session. A probe without a video stream or an FPS below the configured
// minimum is fatal to the session.
func BuildPlan(snap config.Snapshot, p probe.StreamProbe, logger *slog.Logger) (Plan, error) {
	if p.Video == nil {
		return Plan{}, fmt.Errorf("%w: no video stream", probe.ErrProbeFailed)
	}
	sourceRes := p.Video.Height
	if p.Video.Width > 0 && p.Video.Width < sourceRes {
		// Portrait source: the smaller dimension is the resolution.
		sourceRes = p.Video.Width
	}

	quick, rule := probe.CanQuickTranscode(snap, p)
	plan := Plan{QuickTranscode: quick, RejectionRule: rule}

	var audioTag string
	if p.HasAudio() {
		audioTag = probe.AudioCodecTag(p.Audio, logger)
	}

	// The source rendition is always produced; lower ladder entries are
	// added only when transcoding is enabled.
	targets := []int{0}
	if snap.TranscodingEnabled {
		for _, target := range probe.LowerResolutions(sourceRes, snap.Resolutions(config.ContextLive)) {
			if target != 0 {
				targets = append(targets, target)
			}
		}
	}

	for idx, target := range targets {
		height := target
		copySource := false
		if target == 0 {
			height = sourceRes
			copySource = quick || !snap.TranscodingEnabled
		}

		fps, err := probe.ComputeFPS(p.Video.FPS, height, snap.FPS)
		if err != nil {
			return Plan{}, err
		}
		if copySource {
			fps = p.Video.FPS
		}

		videoTag, err := renditionVideoTag(p.Video, copySource, logger)
		if err != nil {
			return Plan{}, err
		}

		bitrate := playlist.VariantBitrate(copySource, p.Video.Bitrate, height, fps)
		width := scaledWidth(p.Video.Width, p.Video.Height, height)

		plan.Jobs = append(plan.Jobs, supervisor.TranscodeJob{
			RenditionIndex: idx,
			Width:          width,
			Height:         height,
			FPS:            fps,
			Bitrate:        bitrate,
			VideoTag:       videoTag,
			AudioTag:       audioTag,
			Copy:           copySource,
		})
		plan.Renditions = append(plan.Renditions, playlist.Rendition{
			Index:    idx,
			Width:    width,
			Height:   height,
			FPS:      fps,
			Bitrate:  bitrate,
			VideoTag: videoTag,
			AudioTag: audioTag,
		})
	}
	return plan, nil
}

// encodedH264 describes the output of a re-encoded rendition, which is
// always H.264 High regardless of the source codec.
var encodedH264 = probe.VideoStream{CodecName: "h264", CodecTag: "avc1", Profile: "High", Level: 31}

func renditionVideoTag(source *probe.VideoStream, copySource bool, logger *slog.Logger) (string, error) {
	if copySource {
		return probe.VideoCodecTag(source, logger)
	}
	encoded := encodedH264
	return probe.VideoCodecTag(&encoded, logger)
}

func scaledWidth(srcWidth, srcHeight, targetHeight int) int {
	if srcWidth <= 0 || srcHeight <= 0 || targetHeight <= 0 {
		return 0
	}
	if targetHeight == srcHeight {
		return srcWidth
	}
	width := srcWidth * targetHeight / srcHeight
	if width%2 != 0 {
		width++
	}
	return width
}
