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

// Package config defines the per-schedule runtime configuration, its
// environment defaults and the merge/validation rules for config pushed in by
// the operator.
package config

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	envutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/env"
)

const (
	PolicyPrecisionTier       = "precision-tier"
	PolicyCreditGreedy        = "credit-greedy"
	PolicyForecastAware       = "forecast-aware"
	PolicyForecastAwareGlobal = "forecast-aware-global"
)

// KnownPolicies is the set of accepted policy names.
var KnownPolicies = sets.New(
	PolicyPrecisionTier,
	PolicyCreditGreedy,
	PolicyForecastAware,
	PolicyForecastAwareGlobal,
)

// Config carries the runtime tuning knobs of one scheduler session.
type Config struct {
	// TargetError is the tolerated quality error, in [0, 1).
	TargetError float64
	// CreditMin and CreditMax clamp the ledger balance; CreditMin <= 0 <= CreditMax.
	CreditMin float64
	CreditMax float64
	// CreditWindowSeconds is the smoothing window for credit velocity and
	// the intensity reference.
	CreditWindowSeconds int
	// CreditSensitivity dampens the allowance curve; in (0, 1].
	CreditSensitivity float64
	// PolicyName selects the scheduling policy.
	PolicyName string
	// ValidForSeconds is the validity window of each published schedule.
	ValidForSeconds int
	// DiscoveryIntervalSeconds is how often the operator is expected to
	// refresh the flavour set; informational for the engine.
	DiscoveryIntervalSeconds int

	// Carbon forecast source.
	CarbonAPIURL   string
	CarbonTarget   string
	CarbonTimeout  time.Duration
	CarbonCacheTTL time.Duration

	// Processing throttle tuning.
	ThrottleMin      float64
	IntensityFloor   float64
	IntensityCeiling float64

	// Forecast-aware trend shaping.
	TrendCap   float64
	TrendScale float64
}

// FromEnv loads the process-wide defaults.
func FromEnv(logger logr.Logger) Config {
	return Config{
		TargetError:              envutil.GetEnvFloat("TARGET_ERROR", 0.05, logger),
		CreditMin:                envutil.GetEnvFloat("CREDIT_MIN", -0.5, logger),
		CreditMax:                envutil.GetEnvFloat("CREDIT_MAX", 0.5, logger),
		CreditWindowSeconds:      envutil.GetEnvInt("CREDIT_WINDOW", 300, logger),
		CreditSensitivity:        envutil.GetEnvFloat("CREDIT_SENSITIVITY", 1.0, logger),
		PolicyName:               envutil.GetEnvString("SCHEDULER_POLICY", PolicyCreditGreedy, logger),
		ValidForSeconds:          envutil.GetEnvInt("SCHEDULE_VALID_FOR", 60, logger),
		DiscoveryIntervalSeconds: envutil.GetEnvInt("STRATEGY_DISCOVERY_INTERVAL", 60, logger),
		CarbonAPIURL:             envutil.GetEnvString("CARBON_API_URL", "", logger),
		CarbonTarget:             envutil.GetEnvString("CARBON_API_TARGET", "national", logger),
		CarbonTimeout:            secondsToDuration(envutil.GetEnvFloat("CARBON_API_TIMEOUT", 2.0, logger)),
		CarbonCacheTTL:           secondsToDuration(envutil.GetEnvFloat("CARBON_API_CACHE_TTL", 300.0, logger)),
		ThrottleMin:              envutil.GetEnvFloat("THROTTLE_MIN", 0.2, logger),
		IntensityFloor:           envutil.GetEnvFloat("CARBON_INTENSITY_FLOOR", 150.0, logger),
		IntensityCeiling:         envutil.GetEnvFloat("CARBON_INTENSITY_CEILING", 350.0, logger),
		TrendCap:                 envutil.GetEnvFloat("FORECAST_TREND_CAP", 0.3, logger),
		TrendScale:               envutil.GetEnvFloat("FORECAST_TREND_SCALE", 0.5, logger),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ValidFor returns the schedule validity window as a duration.
func (c Config) ValidFor() time.Duration {
	return time.Duration(c.ValidForSeconds) * time.Second
}

// CreditWindow returns the smoothing window as a duration.
func (c Config) CreditWindow() time.Duration {
	return time.Duration(c.CreditWindowSeconds) * time.Second
}

// Validate checks the structural invariants of a merged configuration.
func (c Config) Validate() error {
	if c.TargetError < 0 || c.TargetError >= 1 {
		return fmt.Errorf("targetError %v outside [0, 1)", c.TargetError)
	}
	if c.CreditMin > 0 {
		return fmt.Errorf("creditMin %v must be <= 0", c.CreditMin)
	}
	if c.CreditMax < 0 {
		return fmt.Errorf("creditMax %v must be >= 0", c.CreditMax)
	}
	if c.CreditMin >= c.CreditMax {
		return fmt.Errorf("creditMin %v must be below creditMax %v", c.CreditMin, c.CreditMax)
	}
	if c.CreditWindowSeconds < 1 {
		return fmt.Errorf("creditWindow %d must be >= 1", c.CreditWindowSeconds)
	}
	if c.CreditSensitivity <= 0 || c.CreditSensitivity > 1 {
		return fmt.Errorf("creditSensitivity %v outside (0, 1]", c.CreditSensitivity)
	}
	if !KnownPolicies.Has(c.PolicyName) {
		return fmt.Errorf("unknown policy %q", c.PolicyName)
	}
	if c.ValidForSeconds < 1 {
		return fmt.Errorf("validFor %d must be >= 1", c.ValidForSeconds)
	}
	if c.ThrottleMin <= 0 || c.ThrottleMin > 1 {
		return fmt.Errorf("throttleMin %v outside (0, 1]", c.ThrottleMin)
	}
	if c.IntensityCeiling <= c.IntensityFloor {
		return fmt.Errorf("intensityCeiling %v must be above intensityFloor %v", c.IntensityCeiling, c.IntensityFloor)
	}
	if c.TrendCap < 0 || c.TrendCap > 1 {
		return fmt.Errorf("trendCap %v outside [0, 1]", c.TrendCap)
	}
	return nil
}

// Bounds is the replica window of one scaled component.
type Bounds struct {
	MinReplicas int
	MaxReplicas int
}

// ComponentBounds maps component names to their replica windows.
type ComponentBounds map[string]Bounds

// Validate checks each component window.
func (b ComponentBounds) Validate() error {
	for name, bounds := range b {
		if bounds.MinReplicas < 0 {
			return fmt.Errorf("component %q minReplicas %d must be >= 0", name, bounds.MinReplicas)
		}
		if bounds.MaxReplicas < 1 {
			return fmt.Errorf("component %q maxReplicas %d must be >= 1", name, bounds.MaxReplicas)
		}
		if bounds.MinReplicas > bounds.MaxReplicas {
			return fmt.Errorf("component %q minReplicas %d above maxReplicas %d", name, bounds.MinReplicas, bounds.MaxReplicas)
		}
	}
	return nil
}

// Clone returns a copy of the bounds map.
func (b ComponentBounds) Clone() ComponentBounds {
	if b == nil {
		return nil
	}
	out := make(ComponentBounds, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
