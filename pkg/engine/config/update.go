/*
Copyright 2025 belgio99.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"math"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/flavour"
)

// Overrides is the scheduler section of a config push. All fields are
// optional; absent fields keep their current value.
type Overrides struct {
	TargetError       *float64 `json:"targetError,omitempty"`
	CreditMin         *float64 `json:"creditMin,omitempty"`
	CreditMax         *float64 `json:"creditMax,omitempty"`
	CreditWindow      *int     `json:"creditWindow,omitempty"`
	CreditSensitivity *float64 `json:"creditSensitivity,omitempty"`
	Policy            *string  `json:"policy,omitempty"`
	ValidFor          *int     `json:"validFor,omitempty"`
	DiscoveryInterval *int     `json:"discoveryInterval,omitempty"`
	CarbonTarget      *string  `json:"carbonTarget,omitempty"`
	CarbonTimeout     *float64 `json:"carbonTimeout,omitempty"`
	CarbonCacheTTL    *float64 `json:"carbonCacheTTL,omitempty"`
	ThrottleMin       *float64 `json:"throttleMin,omitempty"`
	IntensityFloor    *float64 `json:"intensityFloor,omitempty"`
	IntensityCeiling  *float64 `json:"intensityCeiling,omitempty"`
	TrendCap          *float64 `json:"trendCap,omitempty"`
}

// BoundsPayload is the wire form of a component replica window.
type BoundsPayload struct {
	MinReplicas *int `json:"minReplicas,omitempty"`
	MaxReplicas *int `json:"maxReplicas,omitempty"`
}

// FlavourPayload is the wire form of one flavour profile.
type FlavourPayload struct {
	Name            string            `json:"name,omitempty"`
	Precision       float64           `json:"precision"`
	CarbonIntensity float64           `json:"carbonIntensity,omitempty"`
	LatencyWeight   *float64          `json:"latencyWeight,omitempty"`
	Deadline        *int              `json:"deadline,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty"`
}

// Update is the full body of a PUT /config push. The scheduler knobs may sit
// at the top level or nested under "scheduler"; the operator uses the nested
// form.
type Update struct {
	Overrides
	Scheduler  *Overrides               `json:"scheduler,omitempty"`
	Components map[string]BoundsPayload `json:"components,omitempty"`
	Flavours   []FlavourPayload         `json:"flavours,omitempty"`

	// Unknown collects unrecognised top-level keys for warning logs.
	Unknown []string `json:"-"`
}

var knownUpdateKeys = func() map[string]struct{} {
	keys := []string{
		"targetError", "creditMin", "creditMax", "creditWindow",
		"creditSensitivity", "policy", "validFor", "discoveryInterval",
		"carbonTarget", "carbonTimeout", "carbonCacheTTL",
		"throttleMin", "intensityFloor", "intensityCeiling", "trendCap",
		"scheduler", "components", "flavours",
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}()

// ParseUpdate decodes a config push and records unknown keys.
func ParseUpdate(raw []byte) (*Update, error) {
	var upd Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		return nil, err
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, err
	}
	for key := range loose {
		if _, ok := knownUpdateKeys[key]; !ok {
			upd.Unknown = append(upd.Unknown, key)
		}
	}
	return &upd, nil
}

// overrides resolves the effective scheduler section: nested wins.
func (u *Update) overrides() *Overrides {
	if u.Scheduler != nil {
		return u.Scheduler
	}
	return &u.Overrides
}

// HasFlavours reports whether the push replaces the flavour set.
func (u *Update) HasFlavours() bool {
	return u.Flavours != nil
}

// Apply merges the push into cfg and returns the merged copy. The receiver
// is not mutated; callers validate the result before adopting it.
func (u *Update) Apply(cfg Config) Config {
	o := u.overrides()
	if o.TargetError != nil {
		cfg.TargetError = *o.TargetError
	}
	if o.CreditMin != nil {
		cfg.CreditMin = *o.CreditMin
	}
	if o.CreditMax != nil {
		cfg.CreditMax = *o.CreditMax
	}
	if o.CreditWindow != nil {
		cfg.CreditWindowSeconds = *o.CreditWindow
	}
	if o.CreditSensitivity != nil {
		cfg.CreditSensitivity = *o.CreditSensitivity
	}
	if o.Policy != nil && *o.Policy != "" {
		cfg.PolicyName = *o.Policy
	}
	if o.ValidFor != nil {
		cfg.ValidForSeconds = *o.ValidFor
	}
	if o.DiscoveryInterval != nil {
		cfg.DiscoveryIntervalSeconds = *o.DiscoveryInterval
	}
	if o.CarbonTarget != nil && *o.CarbonTarget != "" {
		cfg.CarbonTarget = *o.CarbonTarget
	}
	if o.CarbonTimeout != nil {
		cfg.CarbonTimeout = secondsToDuration(*o.CarbonTimeout)
	}
	if o.CarbonCacheTTL != nil {
		cfg.CarbonCacheTTL = secondsToDuration(*o.CarbonCacheTTL)
	}
	if o.ThrottleMin != nil {
		cfg.ThrottleMin = *o.ThrottleMin
	}
	if o.IntensityFloor != nil {
		cfg.IntensityFloor = *o.IntensityFloor
	}
	if o.IntensityCeiling != nil {
		cfg.IntensityCeiling = *o.IntensityCeiling
	}
	if o.TrendCap != nil {
		cfg.TrendCap = *o.TrendCap
	}
	return cfg
}

// Bounds converts the component section, dropping entries with no usable
// window.
func (u *Update) Bounds() ComponentBounds {
	if len(u.Components) == 0 {
		return nil
	}
	out := make(ComponentBounds, len(u.Components))
	for name, payload := range u.Components {
		if payload.MaxReplicas == nil {
			continue
		}
		b := Bounds{MaxReplicas: *payload.MaxReplicas}
		if payload.MinReplicas != nil {
			b.MinReplicas = *payload.MinReplicas
		}
		out[name] = b
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FlavourProfiles converts the flavour section into registry profiles.
// Precisions above 1 are interpreted as percentages; names default to the
// canonical precision key. Invalid profiles fail the whole push.
func (u *Update) FlavourProfiles() ([]flavour.Profile, error) {
	if u.Flavours == nil {
		return nil, nil
	}
	out := make([]flavour.Profile, 0, len(u.Flavours))
	for _, item := range u.Flavours {
		precision := item.Precision
		if precision > 1 {
			precision /= 100
		}
		precision = math.Max(0, math.Min(precision, 1))

		name := item.Name
		if name == "" {
			name = flavour.PrecisionKey(precision)
		}

		p := flavour.Profile{
			Name:            name,
			Precision:       precision,
			CarbonIntensity: item.CarbonIntensity,
			LatencyWeight:   1,
			Enabled:         true,
			Annotations:     item.Annotations,
		}
		if item.LatencyWeight != nil {
			p.LatencyWeight = *item.LatencyWeight
		}
		if item.Deadline != nil {
			p.DeadlineSeconds = *item.Deadline
		}
		if item.Enabled != nil {
			p.Enabled = *item.Enabled
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
