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
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/metrics"
	errutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/error"
	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
)

// OverridePayload is a partial schedule installed by an operator. Absent
// fields are filled from the session's current state.
type OverridePayload struct {
	FlavourWeights map[string]float64 `json:"flavourWeights"`
	ValidUntil     string             `json:"validUntil,omitempty"`
	Processing     *ProcessingStatus  `json:"processing,omitempty"`
	Diagnostics    map[string]float64 `json:"diagnostics,omitempty"`
}

var overrideTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05Z"}

// Override validates and installs a manual schedule. The override wins over
// automatic evaluation until its validUntil passes; the next evaluator tick
// then re-takes control. A rejected override leaves the current schedule
// untouched.
func (s *Session) Override(payload *OverridePayload) error {
	now := s.now()

	s.mu.Lock()
	cfg := s.cfg
	bounds := s.bounds.Clone()
	credits := s.ledger.State()
	throttlePrev, hasThrottle := s.throttlePrev, s.hasThrottle
	s.mu.Unlock()

	validUntil := now.Add(cfg.ValidFor())
	if payload.ValidUntil != "" {
		parsed, err := parseOverrideTime(payload.ValidUntil)
		if err != nil {
			return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("invalid validUntil: %v", err)}
		}
		if !parsed.After(now) {
			return errutil.Error{Code: errutil.BadRequest, Msg: "validUntil is in the past"}
		}
		validUntil = parsed
	}

	if len(payload.FlavourWeights) == 0 {
		return errutil.Error{Code: errutil.BadRequest, Msg: "flavourWeights must not be empty"}
	}
	percents, err := overridePercents(payload.FlavourWeights)
	if err != nil {
		return errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
	}

	processing := ProcessingStatus{
		Throttle:       1,
		CreditsRatio:   1,
		IntensityRatio: 1,
		Ceilings:       componentCeilings(bounds, 1),
	}
	if hasThrottle {
		processing.Throttle = throttlePrev
		processing.Ceilings = componentCeilings(bounds, throttlePrev)
	}
	if payload.Processing != nil {
		processing = *payload.Processing
		processing.Throttle = clampFloat(processing.Throttle, 0, 1)
		if processing.Ceilings == nil {
			processing.Ceilings = componentCeilings(bounds, processing.Throttle)
		}
	}

	diags := map[string]float64{"manual_override": 1}
	for k, v := range payload.Diagnostics {
		diags[k] = v
	}

	snap := &Snapshot{
		ID:             uuid.NewString(),
		FlavourWeights: percents,
		Flavours:       overrideFlavourStatuses(s, percents),
		Policy:         PolicyStatus{Name: cfg.PolicyName},
		Credits:        creditStatus(credits),
		Processing:     processing,
		Diagnostics:    diags,
		AvgPrecision:   overridePrecision(s, percents),
		ValidUntil:     validUntil,
		Manual:         true,
	}

	s.manual.Store(snap)
	s.logger.V(logutil.DEFAULT).Info("Manual schedule override installed", "validUntil", validUntil, "weights", percents)
	s.publishManualMetrics(snap)
	s.trigger()
	return nil
}

func parseOverrideTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range overrideTimeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// overridePercents normalises operator-supplied weights into integer
// percentages summing to 100. Both fractional ([0,1]) and percent scales are
// accepted.
func overridePercents(weights map[string]float64) (map[string]int, error) {
	total := 0.0
	for name, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight for %q must be a non-negative number", name)
		}
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("flavour weights sum to zero")
	}

	out := make(map[string]int, len(weights))
	sum := 0
	largest := ""
	for name, w := range weights {
		pct := int(math.Round(w / total * 100))
		out[name] = pct
		sum += pct
		if largest == "" || out[name] > out[largest] {
			largest = name
		}
	}
	if residual := 100 - sum; residual != 0 {
		out[largest] += residual
	}
	return out, nil
}

func overrideFlavourStatuses(s *Session, percents map[string]int) []FlavourStatus {
	out := make([]FlavourStatus, 0, len(percents))
	for name, pct := range percents {
		status := FlavourStatus{Name: name, Weight: pct, Precision: 100, Enabled: true}
		if profile, ok := s.flavours.Get(name); ok {
			status.Precision = int(math.Round(profile.Precision * 100))
			status.CarbonIntensity = profile.CarbonIntensity
			status.Deadline = profile.DeadlineSeconds
			status.Enabled = profile.Enabled
			status.Annotations = profile.Annotations
		}
		out = append(out, status)
	}
	return out
}

func overridePrecision(s *Session, percents map[string]int) float64 {
	precision := 0.0
	for name, pct := range percents {
		p := 1.0
		if profile, ok := s.flavours.Get(name); ok {
			p = profile.Precision
		}
		precision += float64(pct) / 100 * p
	}
	return precision
}

// publishManualMetrics mirrors the override into the metrics exporter so
// dashboards follow manual interventions too.
func (s *Session) publishManualMetrics(snap *Snapshot) {
	ns, name := s.key.Namespace, s.key.Name
	for flavourName, pct := range snap.FlavourWeights {
		metrics.RecordFlavourWeight(ns, name, flavourName, float64(pct)/100)
	}
	metrics.RecordValidUntil(ns, name, float64(snap.ValidUntil.Unix()))
	metrics.RecordThrottle(ns, name, snap.Policy.Name, snap.Processing.Throttle)
	for component, ceiling := range snap.Processing.Ceilings {
		metrics.RecordReplicaCeiling(ns, name, component, float64(ceiling))
	}
}
