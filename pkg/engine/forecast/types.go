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

// Package forecast adapts the external carbon-intensity API into the
// snapshots the policies consume.
package forecast

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that no forecast could be obtained within the
// configured timeout, neither live nor from cache.
var ErrUnavailable = errors.New("carbon forecast unavailable")

// Slot is one interval of the provider's forecast schedule, roughly 30
// minutes wide.
type Slot struct {
	From     time.Time
	To       time.Time
	Forecast float64
	// Index is the provider's qualitative label ("low", "moderate", ...);
	// empty when absent.
	Index string
}

// ExtendedPoint is one coarse look-ahead sample derived from the schedule.
type ExtendedPoint struct {
	HorizonHours float64
	Intensity    float64
}

// Snapshot is one immutable forecast observation. It is produced per
// evaluation and discarded afterwards.
type Snapshot struct {
	IntensityNow  float64
	IntensityNext float64
	IndexNow      string
	IndexNext     string

	// Schedule covers at least the next half hour when non-empty.
	Schedule []Slot
	// Extended reaches up to 48h ahead.
	Extended []ExtendedPoint

	// Demand estimates are filled in by the session, not the provider.
	DemandNow  float64
	DemandNext float64
	HasDemand  bool

	// Degraded is set when one of intensity_now and intensity_next had to be
	// synthesised from the other.
	Degraded bool

	SampledAt time.Time
}

// Provider produces forecast snapshots with bounded latency.
type Provider interface {
	// Sample returns the current snapshot, possibly served from cache.
	// It returns ErrUnavailable when no data can be obtained.
	Sample(ctx context.Context) (*Snapshot, error)
	// Configure updates the provider's target, timeout and cache TTL.
	Configure(target string, timeout, cacheTTL time.Duration)
}
