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
	errutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/error"
	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
)

// FeedbackResult reports the ledger effect of one feedback window.
type FeedbackResult struct {
	RealizedPrecision float64 `json:"realizedPrecision"`
	CreditBalance     float64 `json:"creditBalance"`
	CreditVelocity    float64 `json:"creditVelocity"`
	TotalRequests     int64   `json:"totalRequests"`
}

// ProcessFeedback folds the router's report of actually routed requests into
// the ledger, the demand estimator and the emissions accounting, then
// triggers a re-evaluation so the policies react to the realised quality.
func (s *Session) ProcessFeedback(flavourCounts map[string]int64, totalRequests int64, windowSeconds float64) (*FeedbackResult, error) {
	if totalRequests <= 0 || len(flavourCounts) == 0 {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: "feedback requires flavour counts and a positive request total"}
	}

	weightedPrecision := 0.0
	for name, count := range flavourCounts {
		if count < 0 {
			return nil, errutil.Error{Code: errutil.BadRequest, Msg: "flavour counts must be non-negative"}
		}
		precision := 1.0
		if profile, ok := s.flavours.Get(name); ok {
			precision = profile.Precision
		}
		weightedPrecision += precision * float64(count)
	}
	realized := weightedPrecision / float64(totalRequests)

	s.mu.Lock()
	balance := s.ledger.Record(realized)
	velocity := s.ledger.Velocity()
	grid := s.lastIntensityNow
	for name, count := range flavourCounts {
		if profile, ok := s.flavours.Get(name); ok {
			s.emissions.CumulativeGrams += profile.EffectiveIntensity(grid) * float64(count)
		} else {
			s.emissions.CumulativeGrams += grid * float64(count)
		}
	}
	s.emissions.RequestCount += totalRequests
	s.mu.Unlock()

	if windowSeconds > 0 {
		s.demand.Observe(float64(totalRequests), windowSeconds)
	}

	s.logger.V(logutil.VERBOSE).Info("Feedback processed",
		"totalRequests", totalRequests,
		"realizedPrecision", realized,
		"creditBalance", balance)

	s.trigger()
	return &FeedbackResult{
		RealizedPrecision: realized,
		CreditBalance:     balance,
		CreditVelocity:    velocity,
		TotalRequests:     totalRequests,
	}, nil
}

// SeedEmissions primes the cumulative emissions accounting, used for
// best-effort warm starts.
func (s *Session) SeedEmissions(grams float64, requests int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emissions.CumulativeGrams = grams
	s.emissions.RequestCount = requests
}
