package probe

import (
	"errors"
	"testing"
)

const sampleFFprobeJSON = `{
  "streams": [
    {
      "codec_type": "video",
      "codec_name": "h264",
      "codec_tag_string": "avc1",
      "profile": "High",
      "level": 31,
      "pix_fmt": "yuv420p",
      "width": 1280,
      "height": 720,
      "avg_frame_rate": "30000/1001",
      "r_frame_rate": "30/1",
      "bit_rate": "2500000"
    },
    {
      "codec_type": "audio",
      "codec_name": "aac",
      "bit_rate": "128000",
      "channel_layout": "stereo"
    }
  ],
  "format": {"bit_rate": "2700000"}
}`

func TestParseFFprobeOutput(t *testing.T) {
	result, err := parseFFprobeOutput([]byte(sampleFFprobeJSON))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	video := result.Video
	if video == nil {
		t.Fatalf("expected video stream")
	}
	if video.CodecName != "h264" || video.CodecTag != "avc1" || video.Profile != "High" {
		t.Fatalf("unexpected video codec data: %+v", video)
	}
	if video.Width != 1280 || video.Height != 720 {
		t.Fatalf("unexpected dimensions: %dx%d", video.Width, video.Height)
	}
	if video.FPS < 29.9 || video.FPS > 30 {
		t.Fatalf("unexpected fps %g", video.FPS)
	}
	if video.Bitrate != 2_500_000 {
		t.Fatalf("unexpected bitrate %d", video.Bitrate)
	}
	audio := result.Audio
	if audio == nil || audio.CodecName != "aac" || audio.ChannelLayout != "stereo" {
		t.Fatalf("unexpected audio stream: %+v", audio)
	}
	if !result.HasAudio() {
		t.Fatalf("expected HasAudio")
	}
}

func TestParseFFprobeOutputFallsBackToFormatBitrate(t *testing.T) {
	raw := `{
	  "streams": [
	    {"codec_type": "video", "codec_name": "h264", "avg_frame_rate": "25/1", "width": 640, "height": 360}
	  ],
	  "format": {"bit_rate": "900000"}
	}`
	result, err := parseFFprobeOutput([]byte(raw))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if result.Video.Bitrate != 900_000 {
		t.Fatalf("expected container bitrate fallback, got %d", result.Video.Bitrate)
	}
}

func TestParseFFprobeOutputNoStreamsIsFatal(t *testing.T) {
	_, err := parseFFprobeOutput([]byte(`{"streams": [], "format": {}}`))
	if !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
}

func TestParseFrameRate(t *testing.T) {
	cases := []struct {
		avg, nominal string
		want         float64
	}{
		{"30/1", "60/1", 30},
		{"0/0", "25/1", 25},
		{"", "", 0},
		{"24", "", 24},
	}
	for _, tc := range cases {
		if got := parseFrameRate(tc.avg, tc.nominal); got != tc.want {
			t.Fatalf("parseFrameRate(%q, %q) = %g, want %g", tc.avg, tc.nominal, got, tc.want)
		}
	}
}
