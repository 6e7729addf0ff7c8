package config

import (
	"slices"
	"time"

	"vigil/internal/cascade"
)

// StreamConfig describes one video source. Nil override fields inherit the
// global cascade settings.
type StreamConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Source  string `yaml:"source"` // V4L2 device, rtsp:// or http(s):// URL
	FPS     int    `yaml:"fps"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Enabled *bool  `yaml:"enabled"`

	FocusClass        *string        `yaml:"focus_class"`
	DetectorTimeout   *time.Duration `yaml:"detector_timeout"`
	MotionThreshold   *float64       `yaml:"motion_threshold"`
	PixelDelta        *int           `yaml:"pixel_delta"`
	HighThreshold     *float64       `yaml:"high_threshold"`
	NewTrackThreshold *float64       `yaml:"new_track_threshold"`
	MinHits           *int           `yaml:"min_hits"`
	MaxAge            *int           `yaml:"max_age"`
	PriorityClasses   []string       `yaml:"priority_classes"`
}

// IsEnabled reports whether the stream should run; streams are enabled
// unless switched off.
func (s StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// MergeWithGlobal applies the stream overrides to a copy of global.
func (s StreamConfig) MergeWithGlobal(global cascade.Config) cascade.Config {
	eff := global
	eff.Activity.PriorityClasses = slices.Clone(global.Activity.PriorityClasses)

	if s.FocusClass != nil {
		eff.FocusClass = *s.FocusClass
	}
	if s.DetectorTimeout != nil {
		eff.DetectorTimeout = *s.DetectorTimeout
	}
	if s.MotionThreshold != nil {
		eff.Motion.Threshold = *s.MotionThreshold
	}
	if s.PixelDelta != nil {
		eff.Motion.PixelDelta = *s.PixelDelta
	}
	if s.HighThreshold != nil {
		eff.Tracker.HighThreshold = *s.HighThreshold
	}
	if s.NewTrackThreshold != nil {
		eff.Tracker.NewTrackThreshold = *s.NewTrackThreshold
	}
	if s.MinHits != nil {
		eff.Tracker.MinHits = *s.MinHits
	}
	if s.MaxAge != nil {
		eff.Tracker.MaxAge = *s.MaxAge
	}
	if s.PriorityClasses != nil {
		eff.Activity.PriorityClasses = slices.Clone(s.PriorityClasses)
	}
	return eff
}
