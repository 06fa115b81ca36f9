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

// Package demand tracks the request rate reported by the router and projects
// it one window ahead.
package demand

import (
	"math"
	"sync"
	"time"
)

const (
	defaultSmoothing = 0.3
	// slopeLimit clamps the short-horizon projection to +-50%.
	slopeLimit = 0.5
)

// Estimate is one demand reading.
type Estimate struct {
	Now  float64
	Next float64
	// Fresh is false when no sample arrived within the window.
	Fresh bool
}

// Estimator smooths request-rate samples exponentially. demand_next is
// demand_now extrapolated along the smoothed relative slope.
type Estimator struct {
	mu        sync.Mutex
	smoothing float64
	window    time.Duration
	rate      float64
	slope     float64
	seeded    bool
	lastAt    time.Time
	now       func() time.Time
}

// NewEstimator builds an estimator. Samples older than window zero the
// estimate out.
func NewEstimator(window time.Duration) *Estimator {
	return &Estimator{
		smoothing: defaultSmoothing,
		window:    window,
		now:       time.Now,
	}
}

// SetWindow adjusts the staleness window.
func (e *Estimator) SetWindow(window time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = window
}

// Observe folds one (request count, window) sample into the estimate.
func (e *Estimator) Observe(requestCount float64, windowSeconds float64) {
	if windowSeconds <= 0 || requestCount < 0 {
		return
	}
	sample := requestCount / windowSeconds

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded {
		e.rate = sample
		e.seeded = true
	} else {
		prev := e.rate
		e.rate = e.smoothing*sample + (1-e.smoothing)*prev
		if prev > 0 {
			raw := (e.rate - prev) / prev
			e.slope = math.Max(-slopeLimit, math.Min(slopeLimit, raw))
		}
	}
	e.lastAt = e.now()
}

// Estimate returns the current reading. Both values go to zero when no
// sample arrived within the window.
func (e *Estimator) Estimate() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded || e.now().Sub(e.lastAt) > e.window {
		return Estimate{}
	}
	next := e.rate * (1 + e.slope)
	if next < 0 {
		next = 0
	}
	return Estimate{Now: e.rate, Next: next, Fresh: true}
}
