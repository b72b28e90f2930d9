package exporter

import "time"

// ContainerType identifies the target container format of an export,
// e.g. "mp4" or "mov". The writer implementation decides what it maps to.
type ContainerType string

// Settings is an opaque per-track codec settings blob. The session only
// inspects the width/height keys of video settings for orientation
// handling; everything else is passed through to the writer untouched.
type Settings map[string]any

// Int returns the named setting as an int if present.
func (s Settings) Int(key string) (int, bool) {
	switch v := s[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (s Settings) clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// TimeRange selects the portion of the source asset to export.
// A Duration <= 0 means "until the end of the asset".
type TimeRange struct {
	Start    time.Duration
	Duration time.Duration
}

// MetadataItem is one container-level metadata entry.
type MetadataItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// VideoComposition describes an optional recomposition/filter pipeline
// applied between decode and encode. The session treats it as opaque
// and hands it to the reader's video output.
type VideoComposition struct {
	Filters   []string
	FrameRate float64
	Width     int
	Height    int
}

// AudioMix describes an optional audio mixing step, treated as opaque
// by the session.
type AudioMix struct {
	Volume float64
	Ramps  []VolumeRamp
}

// VolumeRamp changes the mix volume linearly over a time range.
type VolumeRamp struct {
	Start  time.Duration
	End    time.Duration
	From   float64
	To     float64
}

// Configuration is the immutable description of one export attempt.
type Configuration struct {
	Container             ContainerType
	VideoSettings         Settings
	AudioSettings         Settings
	Composition           *VideoComposition
	AudioMix              *AudioMix
	TimeRange             TimeRange
	Metadata              []MetadataItem
	OptimizeForNetworkUse bool
}
