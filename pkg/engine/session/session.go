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

// Package session hosts the long-lived per-schedule scheduler: the background
// evaluation loop, the processing throttle, manual overrides and the
// atomically published schedule snapshots.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/config"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/demand"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/flavour"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/ledger"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/metrics"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/scheduling"
	errutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/error"
	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
)

const (
	// evalIntervalCap bounds how long the evaluator sleeps between cycles
	// regardless of the schedule validity window.
	evalIntervalCap = 15 * time.Second
	// evalSlack republishes ahead of expiry.
	evalSlack = 2 * time.Second

	// timelineRetention keeps expired forecast points around briefly for
	// scrapes that lag behind.
	timelineRetention = time.Hour
)

// Session owns all stateful scheduling components of one (namespace, name)
// schedule and runs its evaluation loop.
type Session struct {
	key    types.NamespacedName
	logger logr.Logger

	flavours *flavour.Registry
	provider forecast.Provider
	demand   *demand.Estimator

	// configureMu serialises whole config pushes so updates for this key
	// are totally ordered.
	configureMu sync.Mutex

	// mu guards the config, ledger, emissions and throttle state. The
	// evaluator, feedback ingestion and Configure mutate the ledger under it.
	mu               sync.Mutex
	cfg              config.Config
	bounds           config.ComponentBounds
	ledger           *ledger.Ledger
	intensity        *intensityTracker
	emissions        scheduling.EmissionsState
	lastIntensityNow float64
	throttlePrev     float64
	hasThrottle      bool
	failures         int

	published atomic.Pointer[Snapshot]
	manual    atomic.Pointer[Snapshot]

	refreshCh chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// New builds a session from the process defaults merged with an optional
// initial config push, and starts its evaluation loop.
func New(key types.NamespacedName, defaults config.Config, upd *config.Update, provider forecast.Provider, logger logr.Logger) (*Session, error) {
	cfg := defaults
	var bounds config.ComponentBounds
	var profiles []flavour.Profile
	if upd != nil {
		cfg = upd.Apply(defaults)
		bounds = upd.Bounds()
		var err error
		profiles, err = upd.FlavourProfiles()
		if err != nil {
			return nil, errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
	}
	if err := bounds.Validate(); err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
	}

	registry, err := flavour.NewRegistry(profiles)
	if err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
	}

	s := &Session{
		key:       key,
		logger:    logger.WithName("scheduler-session").WithValues("namespace", key.Namespace, "schedule", key.Name),
		flavours:  registry,
		provider:  provider,
		demand:    demand.NewEstimator(cfg.CreditWindow()),
		cfg:       cfg,
		bounds:    bounds,
		ledger:    ledger.New(cfg.TargetError, cfg.CreditMin, cfg.CreditMax, cfg.CreditWindowSeconds, cfg.CreditSensitivity),
		intensity: newIntensityTracker(cfg.CreditWindow()),
		refreshCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	provider.Configure(cfg.CarbonTarget, cfg.CarbonTimeout, cfg.CarbonCacheTTL)

	s.logger.V(logutil.DEFAULT).Info("Creating scheduler session", "policy", cfg.PolicyName, "validFor", cfg.ValidFor().String())

	s.trigger()
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Key returns the session's (namespace, name) identity.
func (s *Session) Key() types.NamespacedName {
	return s.key
}

// Configure merges a config push into the session. The merge is validated as
// a whole before any state changes; an invalid push leaves the session
// untouched.
func (s *Session) Configure(upd *config.Update) error {
	s.configureMu.Lock()
	defer s.configureMu.Unlock()

	s.mu.Lock()
	merged := upd.Apply(s.cfg)
	s.mu.Unlock()

	if err := merged.Validate(); err != nil {
		return errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
	}
	bounds := upd.Bounds()
	if err := bounds.Validate(); err != nil {
		return errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
	}
	profiles, err := upd.FlavourProfiles()
	if err != nil {
		return errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
	}
	if upd.HasFlavours() {
		if err := s.flavours.Replace(profiles); err != nil {
			return errutil.Error{Code: errutil.BadRequest, Msg: err.Error()}
		}
	}
	for _, key := range upd.Unknown {
		s.logger.Info("Ignoring unknown config field", "field", key)
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = merged
	if bounds != nil {
		s.bounds = bounds
	}
	if creditParamsChanged(prev, merged) {
		balance := s.ledger.Balance()
		s.ledger = ledger.New(merged.TargetError, merged.CreditMin, merged.CreditMax, merged.CreditWindowSeconds, merged.CreditSensitivity)
		s.ledger.Restore(balance)
	}
	s.intensity.setWindow(merged.CreditWindow())
	s.mu.Unlock()

	s.demand.SetWindow(merged.CreditWindow())
	s.provider.Configure(merged.CarbonTarget, merged.CarbonTimeout, merged.CarbonCacheTTL)

	// A config push supersedes any manual override.
	s.manual.Store(nil)
	s.trigger()
	return nil
}

func creditParamsChanged(prev, next config.Config) bool {
	return prev.TargetError != next.TargetError ||
		prev.CreditMin != next.CreditMin ||
		prev.CreditMax != next.CreditMax ||
		prev.CreditWindowSeconds != next.CreditWindowSeconds ||
		prev.CreditSensitivity != next.CreditSensitivity
}

// Latest returns the current schedule: an unexpired manual override wins over
// the automatic snapshot. Pending is returned until the first successful
// evaluation.
func (s *Session) Latest() (*Snapshot, error) {
	if manual := s.manual.Load(); manual != nil && manual.ValidUntil.After(s.now()) {
		return manual, nil
	}
	if snap := s.published.Load(); snap != nil {
		return snap, nil
	}
	return nil, errutil.Error{Code: errutil.Pending, Msg: fmt.Sprintf("schedule %s is not ready", s.key)}
}

// Close stops the evaluation loop; it is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// trigger requests an immediate evaluation without blocking.
func (s *Session) trigger() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *Session) interval() time.Duration {
	s.mu.Lock()
	validFor := s.cfg.ValidFor()
	s.mu.Unlock()

	interval := validFor - evalSlack
	if interval > evalIntervalCap {
		interval = evalIntervalCap
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (s *Session) manualActive() bool {
	manual := s.manual.Load()
	return manual != nil && manual.ValidUntil.After(s.now())
}

func (s *Session) run() {
	defer s.wg.Done()
	ctx := log.IntoContext(context.Background(), s.logger)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.refreshCh:
		case <-timer.C:
		}
		select {
		case <-s.done:
			return
		default:
		}

		// An active manual override suppresses evaluation entirely.
		if !s.manualActive() {
			s.evaluateOnce(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.interval())
	}
}

// evaluateOnce runs one full evaluation cycle and atomically replaces the
// published snapshot.
func (s *Session) evaluateOnce(ctx context.Context) {
	logger := log.FromContext(ctx)
	now := s.now()

	fc, err := s.provider.Sample(ctx)
	if err != nil {
		logger.V(logutil.VERBOSE).Info("Carbon forecast unavailable, evaluating degraded", "error", err.Error())
		fc = nil
	}
	if fc != nil {
		est := s.demand.Estimate()
		fc.DemandNow, fc.DemandNext, fc.HasDemand = est.Now, est.Next, est.Fresh
	}

	profiles := s.flavours.Snapshot()
	anyEnabled := false
	for _, p := range profiles {
		if p.Enabled {
			anyEnabled = true
			break
		}
	}
	if !anyEnabled {
		logger.V(logutil.VERBOSE).Info("No enabled flavours, keeping previous schedule")
		s.republishExtended("no_flavours")
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	bounds := s.bounds.Clone()
	if fc != nil {
		s.intensity.observe(now, fc.IntensityNow)
		s.lastIntensityNow = fc.IntensityNow
	}
	state := &scheduling.State{
		Flavours:           profiles,
		Forecast:           fc,
		Credits:            s.ledger.State(),
		Emissions:          s.emissions,
		IntensityReference: s.intensity.median(now),
		TrendCap:           cfg.TrendCap,
		TrendScale:         cfg.TrendScale,
	}
	s.mu.Unlock()

	result, usedPolicy, err := s.evaluatePolicy(ctx, cfg.PolicyName, state)
	if err != nil {
		s.evaluationFailed(ctx, err)
		return
	}

	// Ledger mutation happens-before snapshot publication; the published
	// credits block always matches the policy result that produced it.
	s.mu.Lock()
	s.ledger.Update(result.AvgPrecision, 1.0)
	credits := s.ledger.State()
	s.accountEmissionsLocked(cfg, profiles, result, fc)
	throttle := computeThrottle(credits, fc, cfg, bounds, s.throttlePrev, s.hasThrottle)
	s.throttlePrev = throttle.Throttle
	s.hasThrottle = true
	s.failures = 0
	s.mu.Unlock()

	snap := s.buildSnapshot(now, cfg, profiles, result, usedPolicy, credits, throttle, fc)
	s.published.Store(snap)
	s.publishMetrics(snap, usedPolicy, result, fc, now)

	logger.V(logutil.DEBUG).Info("Published schedule",
		"evaluation", snap.ID,
		"policy", usedPolicy,
		"weights", snap.FlavourWeights,
		"throttle", snap.Processing.Throttle,
		"validUntil", snap.ValidUntil)
}

// evaluatePolicy absorbs panics from policy code into a transient error.
func (s *Session) evaluatePolicy(ctx context.Context, name string, state *scheduling.State) (result *scheduling.Result, used string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("policy evaluation panicked: %v", r)
		}
	}()
	return scheduling.Evaluate(ctx, name, state)
}

// accountEmissionsLocked folds the expected emissions of the coming cycle
// into the cumulative tracker when a demand estimate is available. Feedback
// later reports the realised counts.
func (s *Session) accountEmissionsLocked(cfg config.Config, profiles []flavour.Profile, result *scheduling.Result, fc *forecast.Snapshot) {
	if fc == nil || !fc.HasDemand || fc.DemandNow <= 0 {
		return
	}
	requests := fc.DemandNow * cfg.ValidFor().Seconds()
	if requests <= 0 {
		return
	}
	grams := 0.0
	for _, p := range profiles {
		if !p.Enabled {
			continue
		}
		grams += result.Weights[p.Name] * p.EffectiveIntensity(fc.IntensityNow) * requests
	}
	s.emissions.CumulativeGrams += grams
	s.emissions.RequestCount += int64(requests)
}

// evaluationFailed keeps the previous snapshot alive and tracks evaluator
// health. Two consecutive failures flip the unhealthy diagnostic.
func (s *Session) evaluationFailed(ctx context.Context, evalErr error) {
	logger := log.FromContext(ctx)

	s.mu.Lock()
	s.failures++
	failures := s.failures
	unhealthy := failures >= 2
	s.mu.Unlock()

	logger.Error(evalErr, "Evaluation failed, keeping previous schedule", "consecutiveFailures", failures)
	metrics.RecordEvaluationFailure(s.key.Namespace, s.key.Name)

	s.republishExtendedWith(func(snap *Snapshot) {
		if unhealthy {
			snap.Diagnostics["evaluator_unhealthy"] = 1
		}
	})
}

// republishExtended re-publishes the previous snapshot with its validity
// extended by one validFor and the given diagnostic set.
func (s *Session) republishExtended(diagnostic string) {
	s.republishExtendedWith(func(snap *Snapshot) {
		snap.Diagnostics[diagnostic] = 1
	})
}

func (s *Session) republishExtendedWith(amend func(*Snapshot)) {
	prev := s.published.Load()
	if prev == nil {
		return
	}
	s.mu.Lock()
	validFor := s.cfg.ValidFor()
	s.mu.Unlock()

	next := prev.clone()
	next.ValidUntil = s.now().Add(validFor)
	amend(next)
	s.published.Store(next)
	metrics.RecordValidUntil(s.key.Namespace, s.key.Name, float64(next.ValidUntil.Unix()))
}

func (s *Session) buildSnapshot(now time.Time, cfg config.Config, profiles []flavour.Profile, result *scheduling.Result, usedPolicy string, credits ledger.State, throttle throttleState, fc *forecast.Snapshot) *Snapshot {
	enabled := make([]flavour.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	percents := percentWeights(result.Weights, enabled)

	diags := make(map[string]float64, len(result.Diagnostics)+2)
	for k, v := range result.Diagnostics {
		diags[k] = v
	}
	if fc == nil || fc.Degraded {
		diags["forecast_degraded"] = 1
	}
	diags["throttle_raw"] = throttle.Raw

	return &Snapshot{
		ID:             uuid.NewString(),
		FlavourWeights: percents,
		Flavours:       flavourStatuses(enabled, percents),
		Policy:         PolicyStatus{Name: usedPolicy},
		Credits:        creditStatus(credits),
		Processing: ProcessingStatus{
			Throttle:       throttle.Throttle,
			CreditsRatio:   throttle.CreditsRatio,
			IntensityRatio: throttle.IntensityRatio,
			Ceilings:       throttle.Ceilings,
		},
		Forecast:     forecastStatus(fc),
		Diagnostics:  diags,
		AvgPrecision: result.AvgPrecision,
		ValidUntil:   now.Add(cfg.ValidFor()),
	}
}

func (s *Session) publishMetrics(snap *Snapshot, policy string, result *scheduling.Result, fc *forecast.Snapshot, now time.Time) {
	ns, name := s.key.Namespace, s.key.Name

	for flavourName, weight := range result.Weights {
		metrics.RecordFlavourWeight(ns, name, flavourName, weight)
		metrics.RecordPolicyChoice(ns, name, policy, flavourName, weight)
	}
	metrics.RecordValidUntil(ns, name, float64(snap.ValidUntil.Unix()))
	metrics.RecordCredits(ns, name, policy, snap.Credits.Balance, snap.Credits.Velocity)
	metrics.RecordAvgPrecision(ns, name, policy, snap.AvgPrecision)
	metrics.RecordThrottle(ns, name, policy, snap.Processing.Throttle)
	for component, ceiling := range snap.Processing.Ceilings {
		metrics.RecordReplicaCeiling(ns, name, component, float64(ceiling))
	}

	if fc == nil {
		return
	}
	metrics.RecordForecastIntensity(ns, name, policy, "now", fc.IntensityNow)
	metrics.RecordForecastIntensity(ns, name, policy, "next", fc.IntensityNext)

	metrics.ForecastTimeline.Expire(now.Add(-timelineRetention))
	for _, slot := range fc.Schedule {
		mid := slot.From.Add(slot.To.Sub(slot.From) / 2)
		hours := mid.Sub(now).Hours()
		if hours <= 0 {
			continue
		}
		horizon := fmt.Sprintf("%.1fh", hours)
		metrics.RecordForecastIntensity(ns, name, policy, horizon, slot.Forecast)
		metrics.ForecastTimeline.Set(ns, name, policy, horizon, slot.Forecast, mid)
	}
}
