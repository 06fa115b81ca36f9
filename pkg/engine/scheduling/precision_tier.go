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

import "context"

// precisionTierPolicy routes all traffic to the highest-precision enabled
// flavour. It is the carbon-insensitive control and the terminal fallback.
type precisionTierPolicy struct{}

func (p *precisionTierPolicy) Name() string { return PrecisionTierName }

func (p *precisionTierPolicy) ready(*State) bool { return true }

func (p *precisionTierPolicy) Evaluate(_ context.Context, state *State) (*Result, error) {
	enabled := enabledByPrecision(state.Flavours)
	if len(enabled) == 0 {
		return nil, errNoFlavours()
	}

	baseline := enabled[0]
	weights := make(map[string]float64, len(enabled))
	for _, f := range enabled {
		weights[f.Name] = 0
	}
	weights[baseline.Name] = 1

	return &Result{
		Weights:      weights,
		AvgPrecision: baseline.Precision,
		Diagnostics: map[string]float64{
			DiagBaselineWeight: 1,
			DiagCreditBalance:  state.Credits.Balance,
			DiagAvgPrecision:   baseline.Precision,
		},
	}, nil
}
