package activity

import (
	"fmt"
	"time"
)

// Tier is a discrete level of scene busyness, ordered from quiet to busy.
type Tier int

const (
	TierStatic Tier = iota
	TierLow
	TierNormal
	TierHigh
	TierEmergency
)

var tierNames = [...]string{
	TierStatic:    "static",
	TierLow:       "low",
	TierNormal:    "normal",
	TierHigh:      "high",
	TierEmergency: "emergency",
}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

func (t Tier) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(tierNames) {
		return nil, fmt.Errorf("unknown activity tier %d", int(t))
	}
	return []byte(tierNames[t]), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	for i, name := range tierNames {
		if name == string(text) {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown activity tier %q", text)
}

// Tiers lists every tier in ascending order.
func Tiers() []Tier {
	return []Tier{TierStatic, TierLow, TierNormal, TierHigh, TierEmergency}
}

// InferenceTier is the recommended vision-language budget for a tier.
type InferenceTier int

const (
	InferenceNone InferenceTier = iota
	InferenceLight
	InferenceHeavy
)

var inferenceNames = [...]string{
	InferenceNone:  "none",
	InferenceLight: "light",
	InferenceHeavy: "heavy",
}

func (i InferenceTier) String() string {
	if i < 0 || int(i) >= len(inferenceNames) {
		return fmt.Sprintf("inference(%d)", int(i))
	}
	return inferenceNames[i]
}

func (i InferenceTier) MarshalText() ([]byte, error) {
	if i < 0 || int(i) >= len(inferenceNames) {
		return nil, fmt.Errorf("unknown inference tier %d", int(i))
	}
	return []byte(inferenceNames[i]), nil
}

func (i *InferenceTier) UnmarshalText(text []byte) error {
	for n, name := range inferenceNames {
		if name == string(text) {
			*i = InferenceTier(n)
			return nil
		}
	}
	return fmt.Errorf("unknown inference tier %q", text)
}

// Profile is the processing cadence and inference budget of a tier.
type Profile struct {
	Tier            Tier          `yaml:"-" json:"tier"`
	PollingInterval time.Duration `yaml:"polling_interval" json:"polling_interval"`
	Inference       InferenceTier `yaml:"inference" json:"inference"`
	Model           string        `yaml:"model" json:"model,omitempty"`
}

// DefaultProfiles returns the standard profile table.
func DefaultProfiles() map[Tier]Profile {
	return map[Tier]Profile{
		TierStatic:    {Tier: TierStatic, PollingInterval: 10 * time.Second, Inference: InferenceNone},
		TierLow:       {Tier: TierLow, PollingInterval: 5 * time.Second, Inference: InferenceLight, Model: "moondream"},
		TierNormal:    {Tier: TierNormal, PollingInterval: 3 * time.Second, Inference: InferenceLight, Model: "llava:7b"},
		TierHigh:      {Tier: TierHigh, PollingInterval: time.Second, Inference: InferenceHeavy, Model: "llava:7b"},
		TierEmergency: {Tier: TierEmergency, PollingInterval: 500 * time.Millisecond, Inference: InferenceHeavy, Model: "llava:13b"},
	}
}
