package probe

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVideoCodecTag(t *testing.T) {
	cases := []struct {
		name   string
		stream VideoStream
		want   string
	}{
		{
			name:   "vp09 fixed tag",
			stream: VideoStream{CodecTag: "vp09", Profile: "Profile 0", Level: 50},
			want:   "vp09.00.50.08",
		},
		{
			name:   "hev1 fixed tag",
			stream: VideoStream{CodecTag: "hev1", Profile: "Main", Level: 93},
			want:   "hev1.1.6.L93.B0",
		},
		{
			name:   "avc1 high",
			stream: VideoStream{CodecTag: "avc1", Profile: "High", Level: 31},
			want:   "avc1.64001f",
		},
		{
			name:   "avc1 main",
			stream: VideoStream{CodecTag: "avc1", Profile: "Main", Level: 40},
			want:   "avc1.4D4028",
		},
		{
			name:   "avc1 baseline single digit level is zero padded",
			stream: VideoStream{CodecTag: "avc1", Profile: "Baseline", Level: 11},
			want:   "avc1.42E00b",
		},
		{
			name:   "avc1 unknown profile falls back to high",
			stream: VideoStream{CodecTag: "avc1", Profile: "Extended", Level: 31},
			want:   "avc1.64001f",
		},
		{
			name:   "av01 main",
			stream: VideoStream{CodecTag: "av01", Profile: "Main", Level: 8},
			want:   "av01.0.8M.08",
		},
		{
			name:   "av01 professional",
			stream: VideoStream{CodecTag: "av01", Profile: "Professional", Level: 12},
			want:   "av01.2.12M.08",
		},
		{
			name:   "av01 unknown profile falls back to high",
			stream: VideoStream{CodecTag: "av01", Profile: "Mystery", Level: 8},
			want:   "av01.1.8M.08",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := VideoCodecTag(&tc.stream, discardLogger())
			if err != nil {
				t.Fatalf("VideoCodecTag returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("VideoCodecTag = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestVideoCodecTagUnsupportedCodec(t *testing.T) {
	_, err := VideoCodecTag(&VideoStream{CodecTag: "mjpg", Profile: "High"}, discardLogger())
	if err == nil {
		t.Fatalf("expected error for unsupported codec")
	}
}

func TestAudioCodecTag(t *testing.T) {
	cases := map[string]string{
		"opus":   "opus",
		"vorbis": "vorbis",
		"aac":    "mp4a.40.2",
		"mp3":    "mp4a.40.2",
		"":       "mp4a.40.2",
	}
	for codec, want := range cases {
		got := AudioCodecTag(&AudioStream{CodecName: codec}, discardLogger())
		if got != want {
			t.Fatalf("AudioCodecTag(%q) = %q, want %q", codec, got, want)
		}
	}
	if got := AudioCodecTag(nil, discardLogger()); got != "" {
		t.Fatalf("expected empty tag for missing stream, got %q", got)
	}
}
