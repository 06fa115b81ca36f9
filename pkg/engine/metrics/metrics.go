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

// Package metrics publishes the Prometheus view of the scheduler sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	scheduleLabels = []string{"namespace", "schedule"}
	policyLabels   = []string{"namespace", "schedule", "policy"}

	flavourWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_flavour_weight",
			Help: "Traffic weight per flavour (0-1).",
		},
		[]string{"namespace", "schedule", "flavour"},
	)

	validUntil = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_valid_until",
			Help: "UNIX epoch seconds of the current schedule's validUntil.",
		},
		scheduleLabels,
	)

	creditBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_credit_balance",
			Help: "Current credit ledger balance.",
		},
		policyLabels,
	)

	creditVelocity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_credit_velocity",
			Help: "Smoothed first difference of the credit balance.",
		},
		policyLabels,
	)

	avgPrecision = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_avg_precision",
			Help: "Expected precision of the published schedule.",
		},
		policyLabels,
	)

	processingThrottle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_processing_throttle",
			Help: "Throttle factor applied to downstream processing (0-1).",
		},
		policyLabels,
	)

	replicaCeiling = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_effective_replica_ceiling",
			Help: "Carbon-aware replica ceiling per component.",
		},
		[]string{"namespace", "schedule", "component"},
	)

	policyChoice = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_policy_choice_total",
			Help: "Cumulative flavour selections, weighted by schedule share.",
		},
		[]string{"namespace", "schedule", "policy", "strategy"},
	)

	forecastIntensity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_forecast_intensity",
			Help: "Carbon intensity forecast per horizon.",
		},
		[]string{"namespace", "schedule", "policy", "horizon"},
	)

	evaluationFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_evaluation_failed_total",
			Help: "Evaluation cycles that kept the previous schedule after a failure.",
		},
		scheduleLabels,
	)
)

// ForecastTimeline is the shared timestamped forecast collector; it is
// registered alongside the vectors.
var ForecastTimeline = NewTimestampedCollector()

// Register registers all engine metrics into the given registry. The vectors
// are process-wide; registering them into more than one registry is allowed.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		flavourWeight,
		validUntil,
		creditBalance,
		creditVelocity,
		avgPrecision,
		processingThrottle,
		replicaCeiling,
		policyChoice,
		forecastIntensity,
		evaluationFailed,
		ForecastTimeline,
	)
}

// RecordFlavourWeight publishes one flavour's traffic share.
func RecordFlavourWeight(namespace, schedule, flavour string, weight float64) {
	flavourWeight.WithLabelValues(namespace, schedule, flavour).Set(weight)
}

// RecordValidUntil publishes the schedule expiry.
func RecordValidUntil(namespace, schedule string, epochSeconds float64) {
	validUntil.WithLabelValues(namespace, schedule).Set(epochSeconds)
}

// RecordCredits publishes the ledger balance and velocity.
func RecordCredits(namespace, schedule, policy string, balance, velocity float64) {
	creditBalance.WithLabelValues(namespace, schedule, policy).Set(balance)
	creditVelocity.WithLabelValues(namespace, schedule, policy).Set(velocity)
}

// RecordAvgPrecision publishes the schedule's expected precision.
func RecordAvgPrecision(namespace, schedule, policy string, precision float64) {
	avgPrecision.WithLabelValues(namespace, schedule, policy).Set(precision)
}

// RecordThrottle publishes the processing throttle.
func RecordThrottle(namespace, schedule, policy string, throttle float64) {
	processingThrottle.WithLabelValues(namespace, schedule, policy).Set(throttle)
}

// RecordReplicaCeiling publishes one component's replica ceiling.
func RecordReplicaCeiling(namespace, schedule, component string, ceiling float64) {
	replicaCeiling.WithLabelValues(namespace, schedule, component).Set(ceiling)
}

// RecordPolicyChoice accumulates the share routed to a flavour this cycle.
func RecordPolicyChoice(namespace, schedule, policy, strategy string, weight float64) {
	if weight <= 0 {
		return
	}
	policyChoice.WithLabelValues(namespace, schedule, policy, strategy).Add(weight)
}

// RecordForecastIntensity publishes one forecast horizon ("now", "next" or
// "<hours>h").
func RecordForecastIntensity(namespace, schedule, policy, horizon string, intensity float64) {
	forecastIntensity.WithLabelValues(namespace, schedule, policy, horizon).Set(intensity)
}

// RecordEvaluationFailure counts a kept-previous-schedule failure.
func RecordEvaluationFailure(namespace, schedule string) {
	evaluationFailed.WithLabelValues(namespace, schedule).Inc()
}
