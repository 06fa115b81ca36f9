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
)

const (
	defaultTrendCap   = 0.3
	defaultTrendScale = 0.5
)

// forecastAwarePolicy extends credit-greedy with a short-term trend
// adjustment: a cleaner next slot spends more credit, a dirtier one
// conserves.
type forecastAwarePolicy struct{}

func (p *forecastAwarePolicy) Name() string { return ForecastAwareName }

func (p *forecastAwarePolicy) ready(state *State) bool {
	return state.Forecast != nil
}

func (p *forecastAwarePolicy) Evaluate(_ context.Context, state *State) (*Result, error) {
	enabled := enabledByPrecision(state.Flavours)
	if len(enabled) == 0 {
		return nil, errNoFlavours()
	}
	fc := state.Forecast
	if fc == nil {
		return nil, errNoForecast()
	}

	trendCap := state.TrendCap
	if trendCap <= 0 {
		trendCap = defaultTrendCap
	}
	scale := state.TrendScale
	if scale <= 0 {
		scale = defaultTrendScale
	}

	multiplier := intensityMultiplier(state)
	base := clamp(state.Credits.Allowance*multiplier, 0, 1)

	trend := fc.IntensityNext - fc.IntensityNow
	adjustment := -clamp(trend/math.Max(fc.IntensityNow, epsilon)*scale, -trendCap, trendCap)
	alpha := clamp(base+adjustment, 0, 1)

	weights := allocateByCarbonScore(enabled, alpha, fc)
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
			"trend":                 trend,
			"adjustment":            adjustment,
		},
	}, nil
}
