package tracker

import (
	"errors"
	"fmt"
	"time"
)

// Metric selects the geometric cost used for association.
type Metric string

const (
	// MetricIoU uses 1 - IoU as the pair cost.
	MetricIoU Metric = "iou"
	// MetricCentroid uses the centroid distance normalized by box diagonal.
	MetricCentroid Metric = "centroid"
)

// ReIDConfig controls appearance re-identification of lost tracks.
type ReIDConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"` // cosine similarity needed to re-activate a lost track
	Gallery       int     `yaml:"gallery" json:"gallery"`               // descriptors averaged per track
}

// Config holds the tuning constants of the tracker. Frame counts are in
// calls to Update, not wall time.
type Config struct {
	HighThreshold      float64       `yaml:"high_threshold" json:"high_threshold"`             // split between the two association passes
	MinConfidence      float64       `yaml:"min_confidence" json:"min_confidence"`             // floor; anything below is discarded
	NewTrackThreshold  float64       `yaml:"new_track_threshold" json:"new_track_threshold"`   // minimum confidence to spawn a track
	MinHits            int           `yaml:"min_hits" json:"min_hits"`                         // hits before Tentative -> Confirmed
	MissGrace          int           `yaml:"miss_grace" json:"miss_grace"`                     // misses a Confirmed track survives before Lost
	MaxAge             int           `yaml:"max_age" json:"max_age"`                           // misses before Lost -> Removed
	TentativeMaxMisses int           `yaml:"tentative_max_misses" json:"tentative_max_misses"` // misses before Tentative -> Removed
	MaxCost            float64       `yaml:"max_cost" json:"max_cost"`                         // association gate
	Metric             Metric        `yaml:"metric" json:"metric"`
	ClassAware         bool          `yaml:"class_aware" json:"class_aware"`
	DefaultDT          time.Duration `yaml:"default_dt" json:"default_dt"`         // used when Update gets dt <= 0
	MaxPredictDT       time.Duration `yaml:"max_predict_dt" json:"max_predict_dt"` // clamp for long gaps between frames
	ReID               ReIDConfig    `yaml:"reid" json:"reid"`
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		HighThreshold:      0.5,
		MinConfidence:      0.1,
		NewTrackThreshold:  0.6,
		MinHits:            3,
		MissGrace:          0,
		MaxAge:             30,
		TentativeMaxMisses: 1,
		MaxCost:            0.8,
		Metric:             MetricIoU,
		ClassAware:         true,
		DefaultDT:          100 * time.Millisecond,
		MaxPredictDT:       2 * time.Second,
		ReID: ReIDConfig{
			Enabled:       true,
			MinSimilarity: 0.6,
			Gallery:       10,
		},
	}
}

// Preset names accepted by Preset.
const (
	PresetSpeed    = "speed"
	PresetBalanced = "balanced"
	PresetStable   = "stable"
)

// Preset returns a named tuning. Balanced is DefaultConfig; speed drops
// re-identification and forgets lost tracks sooner, stable accepts weaker
// detections and looser overlaps to keep identities longer.
func Preset(name string) (Config, error) {
	c := DefaultConfig()
	switch name {
	case PresetBalanced, "":
	case PresetSpeed:
		c.HighThreshold = 0.6
		c.NewTrackThreshold = 0.7
		c.MinHits = 2
		c.MaxAge = 20
		c.MaxCost = 0.7
		c.ReID.Enabled = false
	case PresetStable:
		c.HighThreshold = 0.4
		c.NewTrackThreshold = 0.5
		c.MaxAge = 40
		c.MaxCost = 0.9
		c.ReID.Enabled = true
	default:
		return Config{}, fmt.Errorf("unknown tracker preset %q", name)
	}
	return c, nil
}

// Validate reports every invalid setting. It is called by New so a
// misconfigured tracker never processes a frame.
func (c Config) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
	}
	unit("high_threshold", c.HighThreshold)
	unit("min_confidence", c.MinConfidence)
	unit("new_track_threshold", c.NewTrackThreshold)
	if c.MinConfidence > c.HighThreshold {
		errs = append(errs, fmt.Errorf("min_confidence %v exceeds high_threshold %v", c.MinConfidence, c.HighThreshold))
	}
	if c.MinHits < 1 {
		errs = append(errs, fmt.Errorf("min_hits must be at least 1, got %d", c.MinHits))
	}
	if c.MissGrace < 0 {
		errs = append(errs, fmt.Errorf("miss_grace must not be negative, got %d", c.MissGrace))
	}
	if c.TentativeMaxMisses < 0 {
		errs = append(errs, fmt.Errorf("tentative_max_misses must not be negative, got %d", c.TentativeMaxMisses))
	}
	if c.MaxAge < 1 {
		errs = append(errs, fmt.Errorf("max_age must be at least 1, got %d", c.MaxAge))
	}
	if c.MissGrace >= c.MaxAge {
		errs = append(errs, fmt.Errorf("miss_grace %d must be below max_age %d", c.MissGrace, c.MaxAge))
	}
	switch c.Metric {
	case MetricIoU:
		if c.MaxCost <= 0 || c.MaxCost > 1 {
			errs = append(errs, fmt.Errorf("max_cost must be in (0,1] for the iou metric, got %v", c.MaxCost))
		}
	case MetricCentroid:
		if c.MaxCost <= 0 {
			errs = append(errs, fmt.Errorf("max_cost must be positive, got %v", c.MaxCost))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown metric %q", c.Metric))
	}
	if c.DefaultDT <= 0 {
		errs = append(errs, fmt.Errorf("default_dt must be positive, got %s", c.DefaultDT))
	}
	if c.MaxPredictDT < c.DefaultDT {
		errs = append(errs, fmt.Errorf("max_predict_dt %s is below default_dt %s", c.MaxPredictDT, c.DefaultDT))
	}
	if c.ReID.Enabled {
		if c.ReID.MinSimilarity <= 0 || c.ReID.MinSimilarity > 1 {
			errs = append(errs, fmt.Errorf("reid.min_similarity must be in (0,1], got %v", c.ReID.MinSimilarity))
		}
		if c.ReID.Gallery < 1 {
			errs = append(errs, fmt.Errorf("reid.gallery must be at least 1, got %d", c.ReID.Gallery))
		}
	}
	return errors.Join(errs...)
}
