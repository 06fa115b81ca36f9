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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/flavour"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/ledger"
)

func twoFlavours() []flavour.Profile {
	return []flavour.Profile{
		{Name: "A", Precision: 1.0, CarbonIntensity: 200, Enabled: true},
		{Name: "B", Precision: 0.7, CarbonIntensity: 80, Enabled: true},
	}
}

func creditState(balance float64) ledger.State {
	l := ledger.New(0.05, -0.5, 0.5, 300, 1)
	l.Restore(balance)
	return l.State()
}

func forecastWith(now, next float64) *forecast.Snapshot {
	return &forecast.Snapshot{IntensityNow: now, IntensityNext: next}
}

// assertValidWeights checks the shared output invariants: weights cover
// exactly the enabled flavours, are non-negative and sum to one.
func assertValidWeights(t *testing.T, result *Result, flavours []flavour.Profile) {
	t.Helper()
	enabledNames := map[string]bool{}
	for _, f := range flavours {
		if f.Enabled {
			enabledNames[f.Name] = true
		}
	}
	require.Len(t, result.Weights, len(enabledNames))
	sum := 0.0
	for name, w := range result.Weights {
		assert.True(t, enabledNames[name], "unexpected flavour %q in weights", name)
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0+1e-6)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestPrecisionTierLocksOntoBaseline(t *testing.T) {
	flavours := twoFlavours()
	state := &State{Flavours: flavours, Forecast: forecastWith(300, 300), Credits: creditState(0.5)}

	result, used, err := Evaluate(context.Background(), PrecisionTierName, state)
	require.NoError(t, err)
	assert.Equal(t, PrecisionTierName, used)
	assertValidWeights(t, result, flavours)
	assert.Equal(t, 1.0, result.Weights["A"])
	assert.Equal(t, 0.0, result.Weights["B"])
	assert.Equal(t, 1.0, result.AvgPrecision)
	assert.NotContains(t, result.Diagnostics, DiagPolicyFallback)
}

func TestPrecisionTierRequiresEnabledFlavour(t *testing.T) {
	flavours := []flavour.Profile{{Name: "A", Precision: 1, Enabled: false}}
	state := &State{Flavours: flavours}

	_, _, err := Evaluate(context.Background(), PrecisionTierName, state)
	assert.Error(t, err)
}

func TestCreditGreedyZeroAllowanceKeepsBaseline(t *testing.T) {
	flavours := twoFlavours()
	state := &State{Flavours: flavours, Forecast: forecastWith(200, 200), Credits: creditState(-0.5)}

	result, used, err := Evaluate(context.Background(), CreditGreedyName, state)
	require.NoError(t, err)
	assert.Equal(t, CreditGreedyName, used)
	assertValidWeights(t, result, flavours)
	assert.Equal(t, 1.0, result.Weights["A"])
	assert.Zero(t, result.Diagnostics[DiagAllowance])
}

func TestCreditGreedySpendsCreditOnCleanGrid(t *testing.T) {
	flavours := twoFlavours()
	state := &State{Flavours: flavours, Forecast: forecastWith(100, 100), Credits: creditState(0.5)}

	result, _, err := Evaluate(context.Background(), CreditGreedyName, state)
	require.NoError(t, err)
	assertValidWeights(t, result, flavours)
	assert.LessOrEqual(t, result.Weights["A"], 0.6)
	assert.Greater(t, result.Weights["B"], 0.0)
	assert.Greater(t, result.Diagnostics[DiagAllowance], 0.0)
}

func TestCreditGreedySpendingDrainsBalance(t *testing.T) {
	// Repeated cycles with a full tank on a clean grid: the policy keeps
	// spending, so the balance settles below where it started.
	flavours := twoFlavours()
	l := ledger.New(0.1, -0.5, 0.5, 300, 1)
	l.Restore(0.5)

	for i := 0; i < 10; i++ {
		state := &State{Flavours: flavours, Forecast: forecastWith(100, 100), Credits: l.State()}
		result, _, err := Evaluate(context.Background(), CreditGreedyName, state)
		require.NoError(t, err)
		l.Update(result.AvgPrecision, 1.0)
	}

	assert.Less(t, l.Balance(), 0.5)
	assert.GreaterOrEqual(t, l.Balance(), -0.5)
}

func TestCreditGreedyWorksWithoutForecast(t *testing.T) {
	flavours := twoFlavours()
	state := &State{Flavours: flavours, Credits: creditState(0.25)}

	result, used, err := Evaluate(context.Background(), CreditGreedyName, state)
	require.NoError(t, err)
	assert.Equal(t, CreditGreedyName, used)
	assertValidWeights(t, result, flavours)
	assert.Equal(t, 1.0, result.Diagnostics[DiagIntensityMultiplier])
}

func TestCreditGreedyIntensityMultiplier(t *testing.T) {
	tests := []struct {
		name      string
		intensity float64
		reference float64
		want      float64
	}{
		{name: "clean grid doubles spend", intensity: 100, reference: 300, want: 2.0},
		{name: "dirty grid halves spend", intensity: 400, reference: 150, want: 0.5},
		{name: "bootstrap is neutral", intensity: 200, reference: 0, want: 1.0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			state := &State{
				Flavours:           twoFlavours(),
				Forecast:           forecastWith(test.intensity, test.intensity),
				Credits:            creditState(0),
				IntensityReference: test.reference,
			}
			result, _, err := Evaluate(context.Background(), CreditGreedyName, state)
			require.NoError(t, err)
			assert.InDelta(t, test.want, result.Diagnostics[DiagIntensityMultiplier], 1e-9)
		})
	}
}

func TestCreditGreedyRevertsWhenNoGreenerFlavourScores(t *testing.T) {
	// B is no cleaner than the baseline, so its score is zero and the
	// whole mass reverts to the baseline.
	flavours := []flavour.Profile{
		{Name: "A", Precision: 1.0, CarbonIntensity: 80, Enabled: true},
		{Name: "B", Precision: 0.7, CarbonIntensity: 80, Enabled: true},
	}
	state := &State{Flavours: flavours, Forecast: forecastWith(200, 200), Credits: creditState(0.5)}

	result, _, err := Evaluate(context.Background(), CreditGreedyName, state)
	require.NoError(t, err)
	assertValidWeights(t, result, flavours)
	assert.Equal(t, 1.0, result.Weights["A"])
}

func TestForecastAwareTrendReversal(t *testing.T) {
	flavours := twoFlavours()

	evaluate := func(next float64) *Result {
		state := &State{
			Flavours: flavours,
			Forecast: forecastWith(200, next),
			Credits:  creditState(0.25),
		}
		result, used, err := Evaluate(context.Background(), ForecastAwareName, state)
		require.NoError(t, err)
		require.Equal(t, ForecastAwareName, used)
		assertValidWeights(t, result, flavours)
		return result
	}

	rising := evaluate(260)
	flat := evaluate(200)

	// A dirtier next slot conserves credit: strictly more baseline weight.
	assert.Greater(t, rising.Weights["A"], flat.Weights["A"])
	assert.Negative(t, rising.Diagnostics["adjustment"])
	assert.Zero(t, flat.Diagnostics["adjustment"])
}

func TestForecastAwareAdjustmentIsCapped(t *testing.T) {
	state := &State{
		Flavours: twoFlavours(),
		Forecast: forecastWith(100, 1000),
		Credits:  creditState(0.25),
		TrendCap: 0.3,
	}
	result, _, err := Evaluate(context.Background(), ForecastAwareName, state)
	require.NoError(t, err)
	assert.InDelta(t, -0.3, result.Diagnostics["adjustment"], 1e-9)
}

func TestForecastAwareFallsBackWithoutForecast(t *testing.T) {
	flavours := twoFlavours()
	state := &State{Flavours: flavours, Credits: creditState(0.25)}

	result, used, err := Evaluate(context.Background(), ForecastAwareName, state)
	require.NoError(t, err)
	assert.Equal(t, CreditGreedyName, used)
	assert.Equal(t, 1.0, result.Diagnostics[DiagPolicyFallback])
	assertValidWeights(t, result, flavours)
}

func TestForecastAwareGlobalFallsBackWithoutForecast(t *testing.T) {
	state := &State{Flavours: twoFlavours(), Credits: creditState(0.25)}

	_, used, err := Evaluate(context.Background(), ForecastAwareGlobalName, state)
	require.NoError(t, err)
	assert.Equal(t, CreditGreedyName, used)
}

func threeFlavours() []flavour.Profile {
	return []flavour.Profile{
		{Name: "A", Precision: 1.0, CarbonIntensity: 200, Enabled: true},
		{Name: "B", Precision: 0.5, CarbonIntensity: 90, Enabled: true},
		{Name: "C", Precision: 0.3, CarbonIntensity: 40, Enabled: true},
	}
}

func TestForecastAwareGlobalFusesAllSignals(t *testing.T) {
	intensityNow := 200.0
	fc := &forecast.Snapshot{
		IntensityNow:  intensityNow,
		IntensityNext: 0.9 * intensityNow,
		DemandNow:     100,
		DemandNext:    160,
		HasDemand:     true,
		Extended: []forecast.ExtendedPoint{
			{HorizonHours: 0.5, Intensity: 210},
			{HorizonHours: 1.0, Intensity: 190},
			{HorizonHours: 1.5, Intensity: 205},
		},
	}
	state := &State{
		Flavours: threeFlavours(),
		Forecast: fc,
		Credits:  creditState(0.25),
		Emissions: EmissionsState{
			CumulativeGrams: 1.3 * intensityNow * 100,
			RequestCount:    100,
		},
	}

	result, used, err := Evaluate(context.Background(), ForecastAwareGlobalName, state)
	require.NoError(t, err)
	assert.Equal(t, ForecastAwareGlobalName, used)
	assertValidWeights(t, result, state.Flavours)

	assert.Greater(t, result.Diagnostics["carbon_adjustment"], 0.0)
	assert.Equal(t, -0.6, result.Diagnostics["demand_adjustment"])
	assert.Equal(t, 0.5, result.Diagnostics["emissions_adjustment"])
	assert.Zero(t, result.Diagnostics["lookahead_adjustment"], "extended forecast within +-40% of now")
	total := result.Diagnostics["total_adjustment"]
	assert.GreaterOrEqual(t, total, -0.5)
	assert.LessOrEqual(t, total, 0.5)
	assert.Equal(t, float64(100), result.Diagnostics["request_count"])
}

func TestForecastAwareGlobalCarbonTrendMovesAllowance(t *testing.T) {
	evaluate := func(next float64) *Result {
		state := &State{
			Flavours: twoFlavours(),
			Forecast: forecastWith(200, next),
			Credits:  creditState(0.25),
		}
		result, used, err := Evaluate(context.Background(), ForecastAwareGlobalName, state)
		require.NoError(t, err)
		require.Equal(t, ForecastAwareGlobalName, used)
		assertValidWeights(t, result, state.Flavours)
		return result
	}

	flat := evaluate(200)
	dirty := evaluate(1.06 * 200) // above the 1.05 threshold
	clean := evaluate(0.94 * 200) // below the 0.95 threshold

	assert.Less(t, dirty.Diagnostics[DiagAllowance], flat.Diagnostics[DiagAllowance])
	assert.Greater(t, clean.Diagnostics[DiagAllowance], flat.Diagnostics[DiagAllowance])
}

func TestForecastAwareGlobalLookahead(t *testing.T) {
	tests := []struct {
		name     string
		extended []forecast.ExtendedPoint
		want     float64
	}{
		{
			name:     "very clean window ahead",
			extended: []forecast.ExtendedPoint{{HorizonHours: 1, Intensity: 100}},
			want:     0.5,
		},
		{
			name:     "very dirty window ahead",
			extended: []forecast.ExtendedPoint{{HorizonHours: 1, Intensity: 300}},
			want:     -0.5,
		},
		{
			name:     "uneventful window",
			extended: []forecast.ExtendedPoint{{HorizonHours: 1, Intensity: 200}},
			want:     0,
		},
		{
			name: "only the first six points count",
			extended: []forecast.ExtendedPoint{
				{HorizonHours: 0.5, Intensity: 200}, {HorizonHours: 1, Intensity: 200},
				{HorizonHours: 1.5, Intensity: 200}, {HorizonHours: 2, Intensity: 200},
				{HorizonHours: 2.5, Intensity: 200}, {HorizonHours: 3, Intensity: 200},
				{HorizonHours: 3.5, Intensity: 10},
			},
			want: 0,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fc := forecastWith(200, 200)
			fc.Extended = test.extended
			assert.Equal(t, test.want, lookaheadAdjustment(fc))
		})
	}
}

func TestForecastAwareGlobalEmissionsGuard(t *testing.T) {
	fc := forecastWith(200, 200)

	// Too few accounted requests: the signal stays silent.
	assert.Zero(t, emissionsAdjustment(EmissionsState{CumulativeGrams: 10000, RequestCount: 5}, fc))

	assert.Equal(t, 0.5, emissionsAdjustment(EmissionsState{CumulativeGrams: 1.3 * 200 * 100, RequestCount: 100}, fc))
	assert.Equal(t, -0.5, emissionsAdjustment(EmissionsState{CumulativeGrams: 0.5 * 200 * 100, RequestCount: 100}, fc))
	assert.Zero(t, emissionsAdjustment(EmissionsState{CumulativeGrams: 200 * 100, RequestCount: 100}, fc))
}

func TestShiftNonBaselineMass(t *testing.T) {
	base := map[string]float64{"A": 0.6, "B": 0.3, "C": 0.1}

	shifted := shiftNonBaselineMass(base, 0.5, "A")
	// Half the baseline mass moves onto B and C proportionally.
	assert.InDelta(t, 0.3, shifted["A"], 1e-9)
	assert.InDelta(t, 0.3+0.3*0.75, shifted["B"], 1e-9)
	assert.InDelta(t, 0.1+0.3*0.25, shifted["C"], 1e-9)

	pulled := shiftNonBaselineMass(base, -0.5, "A")
	// Half the non-baseline mass returns to the baseline.
	assert.InDelta(t, 0.8, pulled["A"], 1e-9)
	assert.InDelta(t, 0.15, pulled["B"], 1e-9)
	assert.InDelta(t, 0.05, pulled["C"], 1e-9)

	sum := 0.0
	for _, w := range shifted {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestUnknownPolicyDefaultsToCreditGreedy(t *testing.T) {
	state := &State{Flavours: twoFlavours(), Credits: creditState(0)}

	_, used, err := Evaluate(context.Background(), "does-not-exist", state)
	require.NoError(t, err)
	assert.Equal(t, CreditGreedyName, used)
}

func TestWeightsSumToOneAcrossPolicies(t *testing.T) {
	for name := range map[string]struct{}{
		PrecisionTierName:       {},
		CreditGreedyName:        {},
		ForecastAwareName:       {},
		ForecastAwareGlobalName: {},
	} {
		t.Run(name, func(t *testing.T) {
			state := &State{
				Flavours: threeFlavours(),
				Forecast: forecastWith(250, 220),
				Credits:  creditState(0.1),
			}
			result, _, err := Evaluate(context.Background(), name, state)
			require.NoError(t, err)
			assertValidWeights(t, result, state.Flavours)
			assert.False(t, math.IsNaN(result.AvgPrecision))
		})
	}
}
