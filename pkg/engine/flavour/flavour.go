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

// Package flavour holds the profiles of the deployable precision variants of
// the target workload and the registry the policies read them from.
package flavour

import (
	"fmt"
	"math"
)

// DefaultDeadlineSeconds is used when a flavour carries no queueing deadline.
const DefaultDeadlineSeconds = 120

// Profile describes one precision variant of the target workload.
type Profile struct {
	// Name is the stable identifier of the flavour within the workload,
	// e.g. "precision-30".
	Name string
	// Precision is the quality of this flavour relative to the baseline,
	// in (0, 1]. 1 denotes the baseline flavour.
	Precision float64
	// CarbonIntensity is the per-request gCO2e estimate. Zero means
	// unknown; consumers substitute the current grid intensity.
	CarbonIntensity float64
	// LatencyWeight is an optional cost factor, default 1.
	LatencyWeight float64
	// DeadlineSeconds is the buffering deadline the router applies to
	// requests queued for this flavour.
	DeadlineSeconds int
	// Enabled reports whether the flavour may receive traffic.
	Enabled bool
	// Annotations carries deployment labels discovered by the operator.
	Annotations map[string]string
}

// ExpectedError returns the quality error incurred by routing a request to
// this flavour.
func (p Profile) ExpectedError() float64 {
	return math.Max(0, 1-p.Precision)
}

// EffectiveIntensity resolves the per-request carbon estimate, substituting
// the grid intensity when the profile carries none.
func (p Profile) EffectiveIntensity(gridIntensity float64) float64 {
	if p.CarbonIntensity > 0 {
		return p.CarbonIntensity
	}
	return gridIntensity
}

// Validate checks the profile invariants.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("flavour has no name")
	}
	if math.IsNaN(p.Precision) || math.IsInf(p.Precision, 0) {
		return fmt.Errorf("flavour %q has non-finite precision", p.Name)
	}
	if p.Precision <= 0 || p.Precision > 1 {
		return fmt.Errorf("flavour %q precision %v outside (0, 1]", p.Name, p.Precision)
	}
	if p.CarbonIntensity < 0 {
		return fmt.Errorf("flavour %q has negative carbon intensity", p.Name)
	}
	if p.LatencyWeight < 0 {
		return fmt.Errorf("flavour %q has negative latency weight", p.Name)
	}
	return nil
}

// PrecisionKey derives the canonical flavour name for a precision value,
// e.g. 0.3 becomes "precision-30".
func PrecisionKey(precision float64) string {
	clamped := math.Max(0, math.Min(precision, 1))
	return fmt.Sprintf("precision-%d", int(math.Round(clamped*100)))
}
