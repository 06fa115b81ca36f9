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

package session

import (
	"math"
	"time"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/flavour"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/ledger"
)

// FlavourStatus is the per-flavour block of the published schedule.
// Precision and weight are integer percentages.
type FlavourStatus struct {
	Name            string            `json:"name"`
	Precision       int               `json:"precision"`
	Weight          int               `json:"weight"`
	CarbonIntensity float64           `json:"carbonIntensity,omitempty"`
	Deadline        int               `json:"deadline,omitempty"`
	Enabled         bool              `json:"enabled"`
	Annotations     map[string]string `json:"annotations,omitempty"`
}

// PolicyStatus names the policy that produced the schedule.
type PolicyStatus struct {
	Name string `json:"name"`
}

// CreditStatus is the ledger block of the published schedule.
type CreditStatus struct {
	Balance   float64 `json:"balance"`
	Velocity  float64 `json:"velocity"`
	Target    float64 `json:"target"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Allowance float64 `json:"allowance"`
}

// ProcessingStatus is the throttle block of the published schedule.
type ProcessingStatus struct {
	Throttle       float64        `json:"throttle"`
	CreditsRatio   float64        `json:"creditsRatio"`
	IntensityRatio float64        `json:"intensityRatio"`
	Ceilings       map[string]int `json:"ceilings"`
}

// ForecastSlotStatus is one published forecast interval.
type ForecastSlotStatus struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Forecast float64 `json:"forecast"`
	Index    string  `json:"index,omitempty"`
}

// ForecastStatus is the forecast block of the published schedule.
type ForecastStatus struct {
	IntensityNow  float64              `json:"intensity_now"`
	IntensityNext float64              `json:"intensity_next"`
	IndexNow      string               `json:"index_now,omitempty"`
	IndexNext     string               `json:"index_next,omitempty"`
	Schedule      []ForecastSlotStatus `json:"schedule"`
}

// Snapshot is the published schedule contract. It is immutable once
// published; the session replaces the whole value atomically.
type Snapshot struct {
	// ID correlates log lines with one evaluation; not serialised.
	ID string `json:"-"`

	FlavourWeights map[string]int     `json:"flavourWeights"`
	Flavours       []FlavourStatus    `json:"flavours"`
	Policy         PolicyStatus       `json:"policy"`
	Credits        CreditStatus       `json:"credits"`
	Processing     ProcessingStatus   `json:"processing"`
	Forecast       *ForecastStatus    `json:"forecast,omitempty"`
	Diagnostics    map[string]float64 `json:"diagnostics"`
	AvgPrecision   float64            `json:"avgPrecision"`
	ValidUntil     time.Time          `json:"validUntil"`
	Manual         bool               `json:"manual"`
}

// clone returns a deep copy so a republished snapshot can be amended without
// mutating what readers may still hold.
func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.FlavourWeights = make(map[string]int, len(s.FlavourWeights))
	for k, v := range s.FlavourWeights {
		out.FlavourWeights[k] = v
	}
	out.Flavours = append([]FlavourStatus(nil), s.Flavours...)
	out.Diagnostics = make(map[string]float64, len(s.Diagnostics))
	for k, v := range s.Diagnostics {
		out.Diagnostics[k] = v
	}
	out.Processing.Ceilings = make(map[string]int, len(s.Processing.Ceilings))
	for k, v := range s.Processing.Ceilings {
		out.Processing.Ceilings[k] = v
	}
	return &out
}

// percentWeights converts [0,1] weights into integer percentages summing to
// 100, parking the rounding residual on the highest-precision enabled
// flavour.
func percentWeights(weights map[string]float64, enabled []flavour.Profile) map[string]int {
	out := make(map[string]int, len(weights))
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		total = 1
	}

	sum := 0
	for name, w := range weights {
		pct := int(math.Round(w / total * 100))
		out[name] = pct
		sum += pct
	}

	if residual := 100 - sum; residual != 0 && len(enabled) > 0 {
		top := enabled[0].Name
		out[top] += residual
		if out[top] < 0 {
			out[top] = 0
		}
	}
	return out
}

// flavourStatuses builds the per-flavour metadata for the wire form.
func flavourStatuses(enabled []flavour.Profile, percents map[string]int) []FlavourStatus {
	out := make([]FlavourStatus, 0, len(enabled))
	for _, f := range enabled {
		out = append(out, FlavourStatus{
			Name:            f.Name,
			Precision:       int(math.Round(f.Precision * 100)),
			Weight:          percents[f.Name],
			CarbonIntensity: f.CarbonIntensity,
			Deadline:        f.DeadlineSeconds,
			Enabled:         f.Enabled,
			Annotations:     f.Annotations,
		})
	}
	return out
}

// forecastStatus converts the provider snapshot for publication.
func forecastStatus(fc *forecast.Snapshot) *ForecastStatus {
	if fc == nil {
		return nil
	}
	out := &ForecastStatus{
		IntensityNow:  fc.IntensityNow,
		IntensityNext: fc.IntensityNext,
		IndexNow:      fc.IndexNow,
		IndexNext:     fc.IndexNext,
		Schedule:      make([]ForecastSlotStatus, 0, len(fc.Schedule)),
	}
	for _, slot := range fc.Schedule {
		out.Schedule = append(out.Schedule, ForecastSlotStatus{
			From:     slot.From.UTC().Format(time.RFC3339),
			To:       slot.To.UTC().Format(time.RFC3339),
			Forecast: slot.Forecast,
			Index:    slot.Index,
		})
	}
	return out
}

// creditStatus converts the ledger view for publication.
func creditStatus(state ledger.State) CreditStatus {
	return CreditStatus{
		Balance:   state.Balance,
		Velocity:  state.Velocity,
		Target:    state.Target,
		Min:       state.Min,
		Max:       state.Max,
		Allowance: state.Allowance,
	}
}
