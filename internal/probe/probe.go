// Package probe analyses an incoming stream once and turns the result into
// transcoding decisions: codec tags, quick-transcode eligibility, the
// resolution ladder, and the target frame rate.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrProbeFailed indicates that no stream characteristics could be extracted
// from the source. This is fatal to the session.
var ErrProbeFailed = errors.New("stream probe failed")

// VideoStream captures the characteristics of the source video stream.
type VideoStream struct {
	CodecName   string
	CodecTag    string
	Profile     string
	Level       int
	PixelFormat string
	Width       int
	Height      int
	FPS         float64
	// Bitrate is in bits per second. Zero means ffprobe could not guess it.
	Bitrate int64
}

// AudioStream captures the characteristics of the source audio stream.
type AudioStream struct {
	CodecName     string
	Bitrate       int64
	ChannelLayout string
}

// StreamProbe is the immutable result of analysing a source. It is produced
// once per incoming stream and read-only afterwards.
type StreamProbe struct {
	Video *VideoStream
	Audio *AudioStream
}

// HasAudio reports whether the source carries an audio stream at all.
func (p StreamProbe) HasAudio() bool {
	return p.Audio != nil
}

// Prober analyses a media source.
type Prober interface {
	Probe(ctx context.Context, path string) (StreamProbe, error)
}

// FFprobe runs the ffprobe binary and parses its JSON output.
type FFprobe struct {
	// Binary is the ffprobe executable. Defaults to "ffprobe".
	Binary string
}

func (f *FFprobe) binary() string {
	if f == nil || strings.TrimSpace(f.Binary) == "" {
		return "ffprobe"
	}
	return f.Binary
}

type ffprobeStream struct {
	CodecType     string `json:"codec_type"`
	CodecName     string `json:"codec_name"`
	CodecTag      string `json:"codec_tag_string"`
	Profile       string `json:"profile"`
	Level         int    `json:"level"`
	PixFmt        string `json:"pix_fmt"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	AvgFrameRate  string `json:"avg_frame_rate"`
	RFrameRate    string `json:"r_frame_rate"`
	BitRate       string `json:"bit_rate"`
	ChannelLayout string `json:"channel_layout"`
}

type ffprobeFormat struct {
	BitRate string `json:"bit_rate"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

// Probe extracts the stream characteristics of the given source. A source
// with no parsable streams yields ErrProbeFailed.
func (f *FFprobe) Probe(ctx context.Context, path string) (StreamProbe, error) {
	cmd := exec.CommandContext(ctx, f.binary(),
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path,
	)
	raw, err := cmd.Output()
	if err != nil {
		return StreamProbe{}, fmt.Errorf("%w: run ffprobe on %s: %v", ErrProbeFailed, path, err)
	}
	return parseFFprobeOutput(raw)
}

func parseFFprobeOutput(raw []byte) (StreamProbe, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return StreamProbe{}, fmt.Errorf("%w: decode ffprobe output: %v", ErrProbeFailed, err)
	}

	var result StreamProbe
	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "video":
			if result.Video != nil {
				continue
			}
			bitrate := parseBitrate(stream.BitRate)
			if bitrate == 0 {
				// ffprobe sometimes reports the bitrate only at the
				// container level.
				bitrate = parseBitrate(out.Format.BitRate)
			}
			result.Video = &VideoStream{
				CodecName:   stream.CodecName,
				CodecTag:    stream.CodecTag,
				Profile:     stream.Profile,
				Level:       stream.Level,
				PixelFormat: stream.PixFmt,
				Width:       stream.Width,
				Height:      stream.Height,
				FPS:         parseFrameRate(stream.AvgFrameRate, stream.RFrameRate),
				Bitrate:     bitrate,
			}
		case "audio":
			if result.Audio != nil {
				continue
			}
			result.Audio = &AudioStream{
				CodecName:     stream.CodecName,
				Bitrate:       parseBitrate(stream.BitRate),
				ChannelLayout: stream.ChannelLayout,
			}
		}
	}

	if result.Video == nil && result.Audio == nil {
		return StreamProbe{}, fmt.Errorf("%w: no usable streams", ErrProbeFailed)
	}
	return result, nil
}

func parseBitrate(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "N/A" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

// parseFrameRate decodes an ffprobe rational such as "30000/1001", preferring
// the average frame rate and falling back to the nominal one.
func parseFrameRate(avg, nominal string) float64 {
	if fps, ok := parseRational(avg); ok {
		return fps
	}
	if fps, ok := parseRational(nominal); ok {
		return fps
	}
	return 0
}

func parseRational(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0/0" {
		return 0, false
	}
	num, den, found := strings.Cut(raw, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if !found {
		return n, n > 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, false
	}
	fps := n / d
	return fps, fps > 0
}
