// Package probe provides subprocess-based media inspection via ffprobe,
// with structured result parsing and a cached availability doctor.
package probe

import "time"

// Result describes one media file as reported by ffprobe.
type Result struct {
	Container  string        `json:"container"`
	Duration   time.Duration `json:"duration"`
	BitRate    int64         `json:"bit_rate"`
	HasVideo   bool          `json:"has_video"`
	HasAudio   bool          `json:"has_audio"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	Rotation   int           `json:"rotation,omitempty"`
	HasAlpha   bool          `json:"has_alpha,omitempty"`
	FrameRate  float64       `json:"frame_rate,omitempty"`
	VideoCodec string        `json:"video_codec,omitempty"`
	AudioCodec string        `json:"audio_codec,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
}

// Capabilities reports whether the probing toolchain is usable,
// as determined by the doctor probe.
type Capabilities struct {
	HasFFprobe     bool      `json:"has_ffprobe"`
	FFprobePath    string    `json:"ffprobe_path,omitempty"`
	FFprobeVersion string    `json:"ffprobe_version,omitempty"`
	Error          string    `json:"error,omitempty"`
	ProbedAt       time.Time `json:"-"`
}

// ffprobeOutput mirrors the subset of `ffprobe -print_format json`
// output the agent consumes.
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	PixFmt       string `json:"pix_fmt"`
	RFrameRate   string `json:"r_frame_rate"`
	SampleRate   string `json:"sample_rate"`
	SideDataList []struct {
		SideDataType string `json:"side_data_type"`
		Rotation     int    `json:"rotation"`
	} `json:"side_data_list"`
}
