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

package scheduling

import (
	"context"
	"math"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/flavour"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
)

const (
	intensityMultiplierMin = 0.5
	intensityMultiplierMax = 2.0
)

// creditGreedyPolicy spends the credit allowance on greener flavours,
// proportionally to their carbon score, and scales the spend by how clean the
// grid currently is relative to its recent median.
type creditGreedyPolicy struct{}

func (p *creditGreedyPolicy) Name() string { return CreditGreedyName }

func (p *creditGreedyPolicy) ready(*State) bool { return true }

func (p *creditGreedyPolicy) Evaluate(_ context.Context, state *State) (*Result, error) {
	enabled := enabledByPrecision(state.Flavours)
	if len(enabled) == 0 {
		return nil, errNoFlavours()
	}

	multiplier := intensityMultiplier(state)
	alpha := clamp(state.Credits.Allowance*multiplier, 0, 1)

	weights := allocateByCarbonScore(enabled, alpha, state.Forecast)
	avgPrecision := weightedPrecision(weights, enabled)

	return &Result{
		Weights:      weights,
		AvgPrecision: avgPrecision,
		Diagnostics: map[string]float64{
			DiagAllowance:           alpha,
			DiagIntensityMultiplier: multiplier,
			DiagBaselineWeight:      weights[enabled[0].Name],
			DiagCreditBalance:       state.Credits.Balance,
			DiagAvgPrecision:        avgPrecision,
		},
	}, nil
}

// intensityMultiplier makes the policy more aggressive on a clean grid than
// the allowance alone would be. It is the recent median over the current
// intensity, clamped to [0.5, 2], so a current intensity below the median
// (a cleaner grid) raises it.
func intensityMultiplier(state *State) float64 {
	if state.Forecast == nil || state.Forecast.IntensityNow <= 0 {
		return 1
	}
	ref := state.IntensityReference
	if ref <= 0 {
		// Bootstrap: the first observation is its own reference.
		ref = state.Forecast.IntensityNow
	}
	return clamp(ref/state.Forecast.IntensityNow, intensityMultiplierMin, intensityMultiplierMax)
}

// allocateByCarbonScore gives the baseline 1-alpha and splits alpha over the
// non-baseline flavours proportionally to their positive carbon scores. When
// no flavour scores positive, the whole mass reverts to the baseline.
func allocateByCarbonScore(enabled []flavour.Profile, alpha float64, fc *forecast.Snapshot) map[string]float64 {
	baseline := enabled[0]
	weights := make(map[string]float64, len(enabled))
	for _, f := range enabled {
		weights[f.Name] = 0
	}
	weights[baseline.Name] = clamp(1-alpha, 0, 1)

	greener := enabled[1:]
	if len(greener) == 0 || alpha <= 0 {
		weights[baseline.Name] = 1
		return weights
	}

	grid := 0.0
	if fc != nil {
		grid = fc.IntensityNow
	}
	baselineIntensity := 0.0
	for _, f := range enabled {
		if f.CarbonIntensity > baselineIntensity {
			baselineIntensity = f.CarbonIntensity
		}
	}
	if baselineIntensity == 0 {
		// No per-request estimates at all; the grid intensity stands in.
		baselineIntensity = grid
	}

	scoreSum := 0.0
	scores := make([]float64, len(greener))
	for i, f := range greener {
		score := (baselineIntensity - f.EffectiveIntensity(grid)) / math.Max(f.ExpectedError(), epsilon)
		if score > 0 {
			scores[i] = score
			scoreSum += score
		}
	}

	if scoreSum <= 0 {
		weights[baseline.Name] = 1
		return weights
	}
	for i, f := range greener {
		weights[f.Name] = alpha * (scores[i] / scoreSum)
	}
	normalise(weights)
	return weights
}
