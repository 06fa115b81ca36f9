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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gather sums every child of the named family.
func gather(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		require.NotEmpty(t, family.GetMetric())
		sum := 0.0
		for _, m := range family.GetMetric() {
			if m.GetGauge() != nil {
				sum += m.GetGauge().GetValue()
			}
			if m.GetCounter() != nil {
				sum += m.GetCounter().GetValue()
			}
		}
		return sum
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RecordFlavourWeight("ns", "app", "precision-100", 0.7)
	RecordValidUntil("ns", "app", 1700000000)
	RecordCredits("ns", "app", "credit-greedy", 0.25, 0.01)
	RecordAvgPrecision("ns", "app", "credit-greedy", 0.94)
	RecordThrottle("ns", "app", "credit-greedy", 0.8)
	RecordReplicaCeiling("ns", "app", "consumer", 3)
	RecordPolicyChoice("ns", "app", "credit-greedy", "precision-100", 0.7)
	RecordForecastIntensity("ns", "app", "credit-greedy", "now", 220)
	RecordEvaluationFailure("ns", "app")

	assert.Equal(t, 0.7, gather(t, reg, "schedule_flavour_weight"))
	assert.Equal(t, 1700000000.0, gather(t, reg, "schedule_valid_until"))
	assert.Equal(t, 0.25, gather(t, reg, "scheduler_credit_balance"))
	assert.Equal(t, 0.94, gather(t, reg, "scheduler_avg_precision"))
	assert.Equal(t, 0.8, gather(t, reg, "scheduler_processing_throttle"))
	assert.Equal(t, 3.0, gather(t, reg, "scheduler_effective_replica_ceiling"))
	assert.Equal(t, 0.7, gather(t, reg, "scheduler_policy_choice_total"))
	assert.Equal(t, 220.0, gather(t, reg, "scheduler_forecast_intensity"))
	assert.Equal(t, 1.0, gather(t, reg, "scheduler_evaluation_failed_total"))
}

func TestPolicyChoiceIgnoresZeroWeight(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RecordPolicyChoice("zero-ns", "zero-app", "credit-greedy", "seed", 1)
	before := gather(t, reg, "scheduler_policy_choice_total")
	RecordPolicyChoice("zero-ns", "zero-app", "credit-greedy", "seed", 0)
	after := gather(t, reg, "scheduler_policy_choice_total")
	assert.Equal(t, before, after)
}

func TestTimestampedCollector(t *testing.T) {
	collector := NewTimestampedCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	target := time.Now().Add(90 * time.Minute).Truncate(time.Millisecond)
	collector.Set("ns", "app", "credit-greedy", "1.5h", 140, target)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	metricsOut := families[0].GetMetric()
	require.Len(t, metricsOut, 1)
	assert.Equal(t, 140.0, metricsOut[0].GetGauge().GetValue())
	assert.Equal(t, target.UnixMilli(), metricsOut[0].GetTimestampMs())
}

func TestTimestampedCollectorExpires(t *testing.T) {
	collector := NewTimestampedCollector()
	now := time.Now()
	collector.Set("ns", "app", "p", "0.5h", 100, now.Add(-2*time.Hour))
	collector.Set("ns", "app", "p", "1.0h", 120, now.Add(time.Hour))

	collector.Expire(now.Add(-time.Hour))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Len(t, families[0].GetMetric(), 1, "expired point dropped")
}
