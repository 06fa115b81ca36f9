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

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
)

const (
	// Fusion weights of the four adjustment signals.
	carbonAdjWeight    = 0.35
	demandAdjWeight    = 0.25
	emissionsAdjWeight = 0.25
	lookaheadAdjWeight = 0.15

	// carbonAdjDeadZone ignores relative deltas within +-5%.
	carbonAdjDeadZone = 0.05
	// carbonAdjSlope converts the relative delta into a magnitude; a 20%
	// delta saturates at the cap.
	carbonAdjSlope = 4.0
	carbonAdjCap   = 0.8

	demandSpikeRatio = 1.5
	demandDropRatio  = 0.7
	demandSpikeAdj   = -0.6
	demandDropAdj    = 0.4

	// emissionsMinRequests suppresses the emissions signal until enough
	// requests have been accounted to make the average meaningful.
	emissionsMinRequests = 10
	emissionsHighRatio   = 1.2
	emissionsLowRatio    = 0.8

	lookaheadPoints     = 6
	lookaheadCleanRatio = 0.6
	lookaheadDirtyRatio = 1.4

	totalAdjLimit = 0.5
)

// forecastAwareGlobalPolicy fuses the short-term carbon trend, the demand
// projection, the cumulative emissions budget and the extended look-ahead on
// top of the credit-greedy base allocation.
type forecastAwareGlobalPolicy struct{}

func (p *forecastAwareGlobalPolicy) Name() string { return ForecastAwareGlobalName }

func (p *forecastAwareGlobalPolicy) ready(state *State) bool {
	return state.Forecast != nil
}

func (p *forecastAwareGlobalPolicy) Evaluate(ctx context.Context, state *State) (*Result, error) {
	enabled := enabledByPrecision(state.Flavours)
	if len(enabled) == 0 {
		return nil, errNoFlavours()
	}
	fc := state.Forecast
	if fc == nil {
		return nil, errNoForecast()
	}

	base, err := creditGreedy.Evaluate(ctx, state)
	if err != nil {
		return nil, err
	}

	carbonAdj := carbonTrendAdjustment(fc)
	demandAdj := demandAdjustment(fc)
	emissionsAdj := emissionsAdjustment(state.Emissions, fc)
	lookaheadAdj := lookaheadAdjustment(fc)

	total := clamp(
		carbonAdjWeight*carbonAdj+
			demandAdjWeight*demandAdj+
			emissionsAdjWeight*emissionsAdj+
			lookaheadAdjWeight*lookaheadAdj,
		-totalAdjLimit, totalAdjLimit)

	baseline := enabled[0].Name
	weights := shiftNonBaselineMass(base.Weights, total, baseline)
	avgPrecision := weightedPrecision(weights, enabled)

	diags := make(map[string]float64, len(base.Diagnostics)+8)
	for k, v := range base.Diagnostics {
		diags[k] = v
	}
	nonBaseline := 1 - weights[baseline]
	diags[DiagAllowance] = nonBaseline
	diags[DiagBaselineWeight] = weights[baseline]
	diags[DiagAvgPrecision] = avgPrecision
	diags["carbon_adjustment"] = carbonAdj
	diags["demand_adjustment"] = demandAdj
	diags["emissions_adjustment"] = emissionsAdj
	diags["lookahead_adjustment"] = lookaheadAdj
	diags["total_adjustment"] = total
	diags["cumulative_carbon_gco2"] = state.Emissions.CumulativeGrams
	diags["request_count"] = float64(state.Emissions.RequestCount)
	diags["avg_carbon_per_request"] = state.Emissions.AvgGramsPerRequest()

	return &Result{
		Weights:      weights,
		AvgPrecision: avgPrecision,
		Diagnostics:  diags,
	}, nil
}

// carbonTrendAdjustment is negative when the next slot is dirtier than now by
// more than 5%, positive when cleaner, with magnitude proportional to the
// relative delta and capped at 0.8.
func carbonTrendAdjustment(fc *forecast.Snapshot) float64 {
	if fc.IntensityNow <= 0 {
		return 0
	}
	rel := (fc.IntensityNext - fc.IntensityNow) / fc.IntensityNow
	switch {
	case rel > carbonAdjDeadZone:
		return -math.Min(carbonAdjCap, rel*carbonAdjSlope)
	case rel < -carbonAdjDeadZone:
		return math.Min(carbonAdjCap, -rel*carbonAdjSlope)
	default:
		return 0
	}
}

// demandAdjustment conserves credit ahead of a projected spike and spends it
// when demand is about to drop.
func demandAdjustment(fc *forecast.Snapshot) float64 {
	if !fc.HasDemand || fc.DemandNow <= 0 {
		return 0
	}
	ratio := fc.DemandNext / fc.DemandNow
	switch {
	case ratio >= demandSpikeRatio:
		return demandSpikeAdj
	case ratio <= demandDropRatio:
		return demandDropAdj
	default:
		return 0
	}
}

// emissionsAdjustment pushes towards greener flavours when the realised
// average grams per request runs above the current grid intensity, and
// relaxes when it runs below.
func emissionsAdjustment(emissions EmissionsState, fc *forecast.Snapshot) float64 {
	if emissions.RequestCount < emissionsMinRequests || fc.IntensityNow <= 0 {
		return 0
	}
	avg := emissions.AvgGramsPerRequest()
	switch {
	case avg > emissionsHighRatio*fc.IntensityNow:
		return 0.5
	case avg < emissionsLowRatio*fc.IntensityNow:
		return -0.5
	default:
		return 0
	}
}

// lookaheadAdjustment summarises the next few extended forecast points.
func lookaheadAdjustment(fc *forecast.Snapshot) float64 {
	if fc.IntensityNow <= 0 || len(fc.Extended) == 0 {
		return 0
	}
	points := fc.Extended
	if len(points) > lookaheadPoints {
		points = points[:lookaheadPoints]
	}
	minFuture := math.Inf(1)
	maxFuture := math.Inf(-1)
	for _, p := range points {
		minFuture = math.Min(minFuture, p.Intensity)
		maxFuture = math.Max(maxFuture, p.Intensity)
	}
	switch {
	case minFuture < lookaheadCleanRatio*fc.IntensityNow:
		return 0.5
	case maxFuture > lookaheadDirtyRatio*fc.IntensityNow:
		return -0.5
	default:
		return 0
	}
}

// shiftNonBaselineMass applies the fused adjustment multiplicatively: a
// positive total moves a share of the baseline mass onto the non-baseline
// flavours proportionally to their existing weights; a negative total pulls
// the same share of the non-baseline mass back to the baseline.
func shiftNonBaselineMass(base map[string]float64, total float64, baseline string) map[string]float64 {
	weights := make(map[string]float64, len(base))
	for k, v := range base {
		weights[k] = v
	}
	if math.Abs(total) < epsilon {
		return weights
	}

	baselineMass := weights[baseline]
	nonBaseline := 1 - baselineMass

	if total > 0 && nonBaseline > epsilon {
		moved := total * baselineMass
		weights[baseline] = baselineMass - moved
		for name, w := range weights {
			if name == baseline {
				continue
			}
			weights[name] = w + moved*(w/nonBaseline)
		}
	} else if total < 0 && nonBaseline > 0 {
		moved := -total * nonBaseline
		scale := (nonBaseline - moved) / nonBaseline
		for name, w := range weights {
			if name == baseline {
				continue
			}
			weights[name] = w * scale
		}
		weights[baseline] = baselineMass + moved
	}

	normalise(weights)
	return weights
}
