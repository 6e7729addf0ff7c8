// Package activity classifies scene busyness into tiers that set the
// processing cadence and the inference budget of a stream.
package activity

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// FrameSignal is the per-frame summary fed to the classifier.
type FrameSignal struct {
	MotionPercent    float64   `json:"motion_percent"`
	DetectionCount   int       `json:"detection_count"`
	DetectionClasses []string  `json:"detection_classes,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Config holds the classification rules and the profile table.
type Config struct {
	Window          int              `yaml:"window" json:"window"`
	PriorityClasses []string         `yaml:"priority_classes" json:"priority_classes"`
	EmergencyCount  int              `yaml:"emergency_count" json:"emergency_count"` // more detections than this is an emergency
	HighMotion      float64          `yaml:"high_motion" json:"high_motion"`
	HighCount       int              `yaml:"high_count" json:"high_count"`
	NormalMotion    float64          `yaml:"normal_motion" json:"normal_motion"`
	NormalCount     int              `yaml:"normal_count" json:"normal_count"`
	LowMotion       float64          `yaml:"low_motion" json:"low_motion"`
	Profiles        map[Tier]Profile `yaml:"profiles" json:"profiles"`
}

// DefaultConfig returns the standard rules.
func DefaultConfig() Config {
	return Config{
		Window:          10,
		PriorityClasses: []string{"fire", "weapon", "fall", "accident"},
		EmergencyCount:  3,
		HighMotion:      30,
		HighCount:       1,
		NormalMotion:    5,
		NormalCount:     0,
		LowMotion:       1,
		Profiles:        DefaultProfiles(),
	}
}

// Validate reports invalid rules and an incomplete profile table.
func (c Config) Validate() error {
	var errs []error
	if c.Window < 1 {
		errs = append(errs, fmt.Errorf("window must be at least 1, got %d", c.Window))
	}
	if c.EmergencyCount < 0 || c.HighCount < 0 || c.NormalCount < 0 {
		errs = append(errs, errors.New("detection count thresholds must not be negative"))
	}
	if !(c.LowMotion <= c.NormalMotion && c.NormalMotion <= c.HighMotion) {
		errs = append(errs, fmt.Errorf("motion thresholds must ascend: low %v, normal %v, high %v",
			c.LowMotion, c.NormalMotion, c.HighMotion))
	}
	if c.LowMotion < 0 || c.HighMotion > 100 {
		errs = append(errs, fmt.Errorf("motion thresholds must be in [0,100]"))
	}
	for _, tier := range Tiers() {
		p, ok := c.Profiles[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("missing profile for tier %s", tier))
			continue
		}
		if p.PollingInterval <= 0 {
			errs = append(errs, fmt.Errorf("profile %s: polling_interval must be positive", tier))
		}
		if p.Inference != InferenceNone && p.Model == "" {
			errs = append(errs, fmt.Errorf("profile %s: %s inference needs a model", tier, p.Inference))
		}
	}
	return errors.Join(errs...)
}

// Classifier maps frame signals to tiers, smoothing with the mode of a
// rolling window of recent classifications.
type Classifier struct {
	cfg      Config
	profiles map[Tier]Profile
	priority map[string]bool
	tiers    []Tier
	signals  []FrameSignal
	current  Tier
	mu       sync.Mutex
}

// New validates cfg and returns a classifier with empty history.
func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid activity config: %w", err)
	}
	profiles := make(map[Tier]Profile, len(cfg.Profiles))
	for tier, p := range cfg.Profiles {
		p.Tier = tier
		profiles[tier] = p
	}
	priority := make(map[string]bool, len(cfg.PriorityClasses))
	for _, class := range cfg.PriorityClasses {
		priority[class] = true
	}
	return &Classifier{
		cfg:      cfg,
		profiles: profiles,
		priority: priority,
		current:  TierNormal,
	}, nil
}

// Instant applies the rules to one signal without touching history.
func (c *Classifier) Instant(s FrameSignal) Tier {
	for _, class := range s.DetectionClasses {
		if c.priority[class] {
			return TierEmergency
		}
	}
	switch {
	case s.DetectionCount > c.cfg.EmergencyCount:
		return TierEmergency
	case s.MotionPercent > c.cfg.HighMotion || s.DetectionCount > c.cfg.HighCount:
		return TierHigh
	case s.MotionPercent > c.cfg.NormalMotion || s.DetectionCount > c.cfg.NormalCount:
		return TierNormal
	case s.MotionPercent > c.cfg.LowMotion:
		return TierLow
	default:
		return TierStatic
	}
}

// Classify records the signal and returns the most frequent tier in the
// window. Ties go to whichever tied tier was seen most recently.
func (c *Classifier) Classify(s FrameSignal) Tier {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tiers = append(c.tiers, c.Instant(s))
	c.signals = append(c.signals, s)
	if over := len(c.tiers) - c.cfg.Window; over > 0 {
		c.tiers = slices.Delete(c.tiers, 0, over)
		c.signals = slices.Delete(c.signals, 0, over)
	}

	counts := make(map[Tier]int, len(tierNames))
	lastSeen := make(map[Tier]int, len(tierNames))
	for i, t := range c.tiers {
		counts[t]++
		lastSeen[t] = i
	}
	best := c.tiers[len(c.tiers)-1]
	for t, n := range counts {
		if n > counts[best] || (n == counts[best] && lastSeen[t] > lastSeen[best]) {
			best = t
		}
	}
	c.current = best
	return best
}

// Profile returns the fixed profile of a tier. Unknown tiers get the
// normal profile.
func (c *Classifier) Profile(t Tier) Profile {
	if p, ok := c.profiles[t]; ok {
		return p
	}
	return c.profiles[TierNormal]
}

// Current returns the tier from the last Classify call, normal before
// any signal.
func (c *Classifier) Current() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Signals returns a copy of the retained signal history, oldest first.
func (c *Classifier) Signals() []FrameSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.signals)
}

// Reset clears the history.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers = nil
	c.signals = nil
	c.current = TierNormal
}
