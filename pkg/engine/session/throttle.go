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

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/config"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/ledger"
)

// RouterComponent is excluded from throttling so ingress capacity is
// preserved; the throttle trades buffering latency for scaled-down
// downstream workers instead.
const RouterComponent = "router"

// throttleBeta is the first-order IIR smoothing factor.
const throttleBeta = 0.5

// throttleState is the per-session processing throttle derivation.
type throttleState struct {
	// Throttle is the smoothed value published to consumers.
	Throttle float64
	// Raw is the unsmoothed value; it feeds diagnostics only.
	Raw            float64
	CreditsRatio   float64
	IntensityRatio float64
	Ceilings       map[string]int
}

// computeThrottle derives the throttle from the ledger and the forecast.
// prev carries the previous smoothed value; hasPrev is false on the first
// cycle.
func computeThrottle(credits ledger.State, fc *forecast.Snapshot, cfg config.Config, bounds config.ComponentBounds, prev float64, hasPrev bool) throttleState {
	span := credits.Max - credits.Min
	creditsRatio := 1.0
	if span > 0 {
		creditsRatio = clampFloat((credits.Balance-credits.Min)/span, 0, 1)
	}

	intensityRatio := 1.0
	if fc != nil && cfg.IntensityCeiling > cfg.IntensityFloor {
		norm := (fc.IntensityNow - cfg.IntensityFloor) / (cfg.IntensityCeiling - cfg.IntensityFloor)
		intensityRatio = 1 - clampFloat(norm, 0, 1)
	}

	raw := math.Max(cfg.ThrottleMin, math.Min(creditsRatio, intensityRatio))

	smoothed := raw
	if hasPrev {
		smoothed = (1-throttleBeta)*prev + throttleBeta*raw
	}
	smoothed = clampFloat(smoothed, cfg.ThrottleMin, 1)

	return throttleState{
		Throttle:       smoothed,
		Raw:            raw,
		CreditsRatio:   creditsRatio,
		IntensityRatio: intensityRatio,
		Ceilings:       componentCeilings(bounds, smoothed),
	}
}

// componentCeilings scales each component's replica ceiling by the throttle,
// never below its minimum. Router components keep their full ceiling.
func componentCeilings(bounds config.ComponentBounds, throttle float64) map[string]int {
	if len(bounds) == 0 {
		return map[string]int{}
	}
	out := make(map[string]int, len(bounds))
	for name, b := range bounds {
		if name == RouterComponent {
			out[name] = b.MaxReplicas
			continue
		}
		scaled := int(math.Floor(float64(b.MaxReplicas) * throttle))
		if scaled < b.MinReplicas {
			scaled = b.MinReplicas
		}
		if scaled > b.MaxReplicas {
			scaled = b.MaxReplicas
		}
		out[name] = scaled
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
