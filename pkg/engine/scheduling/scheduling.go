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

// Package scheduling implements the carbon-aware flavour scheduling policies.
//
// A policy is a pure function of the flavour snapshot, the forecast (or its
// absence) and the ledger state. Policies that miss a prerequisite fall back
// along the static chain forecast-aware-global -> forecast-aware ->
// credit-greedy -> precision-tier.
package scheduling

import (
	"context"
	"math"
	"sort"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/flavour"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/ledger"
	errutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/error"
	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
)

const (
	PrecisionTierName       = "precision-tier"
	CreditGreedyName        = "credit-greedy"
	ForecastAwareName       = "forecast-aware"
	ForecastAwareGlobalName = "forecast-aware-global"

	// epsilon guards divisions and the weight-sum invariant.
	epsilon = 1e-6

	// Diagnostic keys shared across policies.
	DiagAllowance           = "allowance"
	DiagIntensityMultiplier = "intensity_multiplier"
	DiagBaselineWeight      = "baseline_weight"
	DiagCreditBalance       = "credit_balance"
	DiagAvgPrecision        = "avg_precision"
	DiagPolicyFallback      = "policy_fallback"
)

// EmissionsState mirrors the session's cumulative emissions accounting.
type EmissionsState struct {
	CumulativeGrams float64
	RequestCount    int64
}

// AvgGramsPerRequest returns cumulative grams over the request count.
func (e EmissionsState) AvgGramsPerRequest() float64 {
	if e.RequestCount <= 0 {
		return 0
	}
	return e.CumulativeGrams / float64(e.RequestCount)
}

// State is the immutable input of one policy evaluation.
type State struct {
	// Flavours is the registry snapshot, sorted by descending precision.
	Flavours []flavour.Profile
	// Forecast is nil when the provider reported Unavailable.
	Forecast *forecast.Snapshot
	// Credits is the ledger view taken for this cycle.
	Credits ledger.State
	// Emissions is the session's cumulative accounting.
	Emissions EmissionsState
	// IntensityReference is the rolling median of observed intensity_now;
	// zero bootstraps it to the current intensity.
	IntensityReference float64
	// TrendCap and TrendScale shape the forecast-aware adjustment.
	TrendCap   float64
	TrendScale float64
}

// Result is one policy decision.
type Result struct {
	// Weights maps flavour name to its share, non-negative and summing to
	// one over exactly the enabled flavours.
	Weights map[string]float64
	// AvgPrecision is the weight-averaged precision of the distribution.
	AvgPrecision float64
	// Diagnostics exposes named signals for tests, metrics and operators.
	Diagnostics map[string]float64
}

// Policy is the common interface of the scheduling policies.
type Policy interface {
	Name() string
	// ready reports whether the state carries this policy's prerequisites.
	ready(state *State) bool
	Evaluate(ctx context.Context, state *State) (*Result, error)
}

var (
	precisionTier       Policy = &precisionTierPolicy{}
	creditGreedy        Policy = &creditGreedyPolicy{}
	forecastAware       Policy = &forecastAwarePolicy{}
	forecastAwareGlobal Policy = &forecastAwareGlobalPolicy{}

	policies = map[string]Policy{
		PrecisionTierName:       precisionTier,
		CreditGreedyName:        creditGreedy,
		ForecastAwareName:       forecastAware,
		ForecastAwareGlobalName: forecastAwareGlobal,
	}

	// fallbackChain is ordered from most to least demanding.
	fallbackChain = []Policy{forecastAwareGlobal, forecastAware, creditGreedy, precisionTier}
)

// ForName returns the named policy.
func ForName(name string) (Policy, bool) {
	p, ok := policies[name]
	return p, ok
}

// Evaluate runs the named policy, walking the fallback chain when a
// prerequisite is missing. It returns the result and the name of the policy
// that actually produced it.
func Evaluate(ctx context.Context, name string, state *State) (*Result, string, error) {
	requested, ok := policies[name]
	if !ok {
		requested = creditGreedy
	}

	chosen := requested
	if !chosen.ready(state) {
		start := 0
		for i, p := range fallbackChain {
			if p == requested {
				start = i
				break
			}
		}
		for _, p := range fallbackChain[start:] {
			if p.ready(state) {
				chosen = p
				break
			}
		}
	}

	result, err := chosen.Evaluate(ctx, state)
	if err != nil {
		return nil, chosen.Name(), err
	}
	if chosen != requested {
		log.FromContext(ctx).V(logutil.VERBOSE).Info("Policy fell back",
			"requested", requested.Name(), "used", chosen.Name())
		result.Diagnostics[DiagPolicyFallback] = 1
	}
	return result, chosen.Name(), nil
}

// enabledByPrecision filters to enabled flavours sorted by descending
// precision, name-tiebroken for determinism.
func enabledByPrecision(flavours []flavour.Profile) []flavour.Profile {
	out := make([]flavour.Profile, 0, len(flavours))
	for _, f := range flavours {
		if f.Enabled {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Precision != out[j].Precision {
			return out[i].Precision > out[j].Precision
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func errNoFlavours() error {
	return errutil.Error{Code: errutil.Internal, Msg: "no enabled flavours to schedule"}
}

func errNoForecast() error {
	return errutil.Error{Code: errutil.Unavailable, Msg: "policy requires a forecast"}
}

func normalise(weights map[string]float64) {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return
	}
	for name, w := range weights {
		weights[name] = w / total
	}
}

func weightedPrecision(weights map[string]float64, flavours []flavour.Profile) float64 {
	precision := 0.0
	for _, f := range flavours {
		precision += weights[f.Name] * f.Precision
	}
	return precision
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
