package pipeline

import (
	"fmt"
	"slices"
	"time"

	"vigil/internal/activity"
)

// Capability is what a stream may spend on inference at one activity tier.
type Capability struct {
	Tier            activity.Tier          `json:"tier"`
	Inference       activity.InferenceTier `json:"inference"`
	Model           string                 `json:"model,omitempty"`
	PollingInterval time.Duration          `json:"polling_interval"`
}

// Capabilities maps activity tiers to inference capabilities. It is built
// once and only read afterwards, so one table is shared by every stream.
type Capabilities struct {
	byTier map[activity.Tier]Capability
}

// NewCapabilities builds the table from activity profiles. Every tier must
// be present, and a tier that allows inference must name a model.
func NewCapabilities(profiles map[activity.Tier]activity.Profile) (*Capabilities, error) {
	c := &Capabilities{byTier: make(map[activity.Tier]Capability, len(profiles))}
	for _, tier := range activity.Tiers() {
		p, ok := profiles[tier]
		if !ok {
			return nil, fmt.Errorf("capabilities: no profile for tier %s", tier)
		}
		if p.Inference != activity.InferenceNone && p.Model == "" {
			return nil, fmt.Errorf("capabilities: tier %s allows %s inference but names no model", tier, p.Inference)
		}
		c.byTier[tier] = Capability{
			Tier:            tier,
			Inference:       p.Inference,
			Model:           p.Model,
			PollingInterval: p.PollingInterval,
		}
	}
	return c, nil
}

// Lookup returns the capability of tier.
func (c *Capabilities) Lookup(tier activity.Tier) (Capability, bool) {
	capability, ok := c.byTier[tier]
	return capability, ok
}

// ModelFor picks the model to run for an escalation of the given budget at
// tier. The tier's own model is used when its budget covers the request;
// otherwise the quietest tier whose budget matches exactly supplies it.
// ok is false when no tier offers that budget.
func (c *Capabilities) ModelFor(tier activity.Tier, want activity.InferenceTier) (string, bool) {
	if want == activity.InferenceNone {
		return "", false
	}
	if capability, ok := c.byTier[tier]; ok && capability.Inference >= want && capability.Model != "" {
		return capability.Model, true
	}
	for _, t := range activity.Tiers() {
		if capability := c.byTier[t]; capability.Inference == want && capability.Model != "" {
			return capability.Model, true
		}
	}
	return "", false
}

// Models lists the distinct models in tier order.
func (c *Capabilities) Models() []string {
	var out []string
	for _, t := range activity.Tiers() {
		if m := c.byTier[t].Model; m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// All returns the table in tier order.
func (c *Capabilities) All() []Capability {
	out := make([]Capability, 0, len(c.byTier))
	for _, t := range activity.Tiers() {
		out = append(out, c.byTier[t])
	}
	return out
}
