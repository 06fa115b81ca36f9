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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/config"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/ledger"
)

func throttleConfig() config.Config {
	return config.Config{
		ThrottleMin:      0.2,
		IntensityFloor:   150,
		IntensityCeiling: 350,
	}
}

func credits(balance, min, max float64) ledger.State {
	return ledger.State{Balance: balance, Min: min, Max: max}
}

func TestThrottleClampsAtMinimum(t *testing.T) {
	bounds := config.ComponentBounds{
		"consumer": {MinReplicas: 1, MaxReplicas: 15},
		"router":   {MinReplicas: 1, MaxReplicas: 15},
	}
	fc := &forecast.Snapshot{IntensityNow: 400}

	state := computeThrottle(credits(-0.5, -0.5, 0.5), fc, throttleConfig(), bounds, 0, false)

	assert.Equal(t, 0.2, state.Throttle)
	assert.Zero(t, state.CreditsRatio)
	assert.Zero(t, state.IntensityRatio)
	assert.Equal(t, 3, state.Ceilings["consumer"], "max(1, floor(15 * 0.2))")
	assert.Equal(t, 15, state.Ceilings["router"], "router is never throttled")
}

func TestThrottleFullWhenHealthy(t *testing.T) {
	bounds := config.ComponentBounds{"consumer": {MinReplicas: 1, MaxReplicas: 10}}
	fc := &forecast.Snapshot{IntensityNow: 100}

	state := computeThrottle(credits(0.5, -0.5, 0.5), fc, throttleConfig(), bounds, 0, false)

	assert.Equal(t, 1.0, state.Throttle)
	assert.Equal(t, 1.0, state.CreditsRatio)
	assert.Equal(t, 1.0, state.IntensityRatio)
	assert.Equal(t, 10, state.Ceilings["consumer"], "full ceiling at throttle 1")
}

func TestThrottleTakesTheWorseSignal(t *testing.T) {
	cfg := throttleConfig()

	// Credits fine, grid dirty: intensity dominates.
	dirty := computeThrottle(credits(0.5, -0.5, 0.5), &forecast.Snapshot{IntensityNow: 250}, cfg, nil, 0, false)
	assert.InDelta(t, 0.5, dirty.IntensityRatio, 1e-9)
	assert.InDelta(t, 0.5, dirty.Throttle, 1e-9)

	// Grid fine, credits drained: credits dominate.
	drained := computeThrottle(credits(-0.25, -0.5, 0.5), &forecast.Snapshot{IntensityNow: 100}, cfg, nil, 0, false)
	assert.InDelta(t, 0.25, drained.CreditsRatio, 1e-9)
	assert.InDelta(t, 0.25, drained.Throttle, 1e-9)
}

func TestThrottleNeutralWithoutForecast(t *testing.T) {
	state := computeThrottle(credits(0.5, -0.5, 0.5), nil, throttleConfig(), nil, 0, false)
	assert.Equal(t, 1.0, state.IntensityRatio)
	assert.Equal(t, 1.0, state.Throttle)
}

func TestThrottleSmoothing(t *testing.T) {
	cfg := throttleConfig()
	fc := &forecast.Snapshot{IntensityNow: 400}

	// Raw would drop to 0.2 at once; the IIR halves the step.
	state := computeThrottle(credits(0.5, -0.5, 0.5), fc, cfg, nil, 1.0, true)
	assert.InDelta(t, 0.6, state.Throttle, 1e-9)
	assert.InDelta(t, 0.2, state.Raw, 1e-9)
}

func TestCeilingsRespectBounds(t *testing.T) {
	bounds := config.ComponentBounds{
		"worker": {MinReplicas: 4, MaxReplicas: 6},
	}
	out := componentCeilings(bounds, 0.2)
	require.Contains(t, out, "worker")
	// floor(6*0.2) = 1, raised to the component minimum.
	assert.Equal(t, 4, out["worker"])
}
