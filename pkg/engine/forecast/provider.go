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

package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
)

const (
	defaultBaseURL = "https://api.carbonintensity.org.uk"

	// slotWindow keeps the slot that covers the sampling instant when the
	// provider reports half-open intervals starting in the past.
	slotWindow = 30 * time.Minute

	maxExtendedHorizon = 48 * time.Hour
)

type targetKind int

const (
	targetNational targetKind = iota
	targetRegion
	targetPostcode
)

// HTTPProvider fetches the 48h forecast schedule from a carbon-intensity API
// and caches it for the configured TTL. A single provider may be shared by
// every session pointing at the same source.
type HTTPProvider struct {
	baseURL    string
	configured bool
	client     *http.Client
	logger     logr.Logger
	now        func() time.Time

	mu          sync.Mutex
	targetKind  targetKind
	targetValue string
	timeout     time.Duration
	cacheTTL    time.Duration
	cachedAt    time.Time
	cachedSlots []Slot
}

// NewHTTPProvider builds a provider for the given base URL. An empty base URL
// selects the public national API.
func NewHTTPProvider(baseURL, target string, timeout, cacheTTL time.Duration, logger logr.Logger) *HTTPProvider {
	p := &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		configured: baseURL != "",
		client:     &http.Client{},
		logger:     logger.WithName("carbon-forecast"),
		now:        time.Now,
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	p.Configure(target, timeout, cacheTTL)
	return p
}

// Configure updates the provider's target, timeout and cache TTL.
func (p *HTTPProvider) Configure(target string, timeout, cacheTTL time.Duration) {
	kind, value := parseTarget(target)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetKind = kind
	p.targetValue = value
	if timeout > 0 {
		p.timeout = timeout
	}
	if cacheTTL > 0 {
		p.cacheTTL = cacheTTL
	}
}

func parseTarget(raw string) (targetKind, string) {
	value := strings.TrimSpace(raw)
	lowered := strings.ToLower(value)
	switch {
	case strings.HasPrefix(lowered, "region:"):
		return targetRegion, strings.TrimSpace(value[len("region:"):])
	case strings.HasPrefix(lowered, "postcode:"):
		return targetPostcode, strings.ToUpper(strings.TrimSpace(value[len("postcode:"):]))
	default:
		return targetNational, ""
	}
}

// Sample implements Provider.
func (p *HTTPProvider) Sample(ctx context.Context) (*Snapshot, error) {
	now := p.now()

	slots, err := p.schedule(ctx, now)
	if err == nil && len(slots) > 0 {
		return p.snapshotFromSlots(slots, now), nil
	}

	// The schedule shape failed; a custom endpoint may speak the flat
	// {current, next} contract instead.
	if p.configured {
		if snap, legacyErr := p.fetchLegacy(ctx, now); legacyErr == nil {
			return snap, nil
		}
	}
	return nil, ErrUnavailable
}

func (p *HTTPProvider) snapshotFromSlots(slots []Slot, now time.Time) *Snapshot {
	idx := 0
	for i, slot := range slots {
		if !slot.From.After(now) && slot.To.After(now) {
			idx = i
			break
		}
	}

	snap := &Snapshot{
		IntensityNow: slots[idx].Forecast,
		IndexNow:     slots[idx].Index,
		Schedule:     slots,
		SampledAt:    now,
	}
	if idx+1 < len(slots) {
		snap.IntensityNext = slots[idx+1].Forecast
		snap.IndexNext = slots[idx+1].Index
	} else {
		// Never invent data: reuse intensity_now and flag the snapshot.
		snap.IntensityNext = snap.IntensityNow
		snap.IndexNext = snap.IndexNow
		snap.Degraded = true
	}
	snap.Extended = extendedFromSlots(slots, now)
	return snap
}

func extendedFromSlots(slots []Slot, now time.Time) []ExtendedPoint {
	out := make([]ExtendedPoint, 0, len(slots))
	for _, slot := range slots {
		mid := slot.From.Add(slot.To.Sub(slot.From) / 2)
		horizon := mid.Sub(now)
		if horizon <= 0 || horizon > maxExtendedHorizon {
			continue
		}
		out = append(out, ExtendedPoint{
			HorizonHours: horizon.Hours(),
			Intensity:    slot.Forecast,
		})
	}
	return out
}

// schedule returns the cached slots when fresh, fetching otherwise. A failed
// fetch falls back to the cache until it expires.
func (p *HTTPProvider) schedule(ctx context.Context, now time.Time) ([]Slot, error) {
	p.mu.Lock()
	cached, cachedAt, ttl, timeout := p.cachedSlots, p.cachedAt, p.cacheTTL, p.timeout
	path := p.schedulePath(now)
	p.mu.Unlock()

	if len(cached) > 0 && now.Sub(cachedAt) < ttl {
		p.logger.V(logutil.TRACE).Info("Serving forecast schedule from cache", "age", now.Sub(cachedAt).String())
		return cached, nil
	}

	slots, err := p.fetchSchedule(ctx, path, timeout, now)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cachedSlots = slots
	p.cachedAt = now
	p.mu.Unlock()
	return slots, nil
}

func (p *HTTPProvider) schedulePath(now time.Time) string {
	start := floorHalfHour(now.UTC()).Format("2006-01-02T15:04Z")
	switch p.targetKind {
	case targetRegion:
		if p.targetValue != "" {
			return fmt.Sprintf("/regional/intensity/%s/fw48h/regionid/%s", start, p.targetValue)
		}
	case targetPostcode:
		if p.targetValue != "" {
			return fmt.Sprintf("/regional/intensity/%s/fw48h/postcode/%s", start, p.targetValue)
		}
	}
	return fmt.Sprintf("/intensity/%s/fw48h", start)
}

func floorHalfHour(t time.Time) time.Time {
	minute := 0
	if t.Minute() >= 30 {
		minute = 30
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
}

type intensityBlob struct {
	Forecast *float64 `json:"forecast"`
	Actual   *float64 `json:"actual"`
	Index    string   `json:"index"`
}

type scheduleEntry struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Intensity intensityBlob `json:"intensity"`
}

type schedulePayload struct {
	Data []scheduleEntry `json:"data"`
}

func (p *HTTPProvider) fetchSchedule(ctx context.Context, path string, timeout time.Duration, now time.Time) ([]Slot, error) {
	var payload schedulePayload
	if err := p.getJSON(ctx, p.baseURL+path, timeout, &payload); err != nil {
		p.logger.V(logutil.VERBOSE).Info("Forecast schedule fetch failed", "error", err)
		return nil, err
	}

	windowStart := now.Add(-slotWindow)
	slots := make([]Slot, 0, len(payload.Data))
	for _, entry := range payload.Data {
		from, okFrom := parseSlotTime(entry.From)
		to, okTo := parseSlotTime(entry.To)
		if !okFrom || !okTo || to.Before(windowStart) {
			continue
		}
		value := entry.Intensity.Forecast
		if value == nil {
			value = entry.Intensity.Actual
		}
		if value == nil {
			continue
		}
		slots = append(slots, Slot{
			From:     from,
			To:       to,
			Forecast: *value,
			Index:    entry.Intensity.Index,
		})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].From.Before(slots[j].From) })
	if len(slots) == 0 {
		return nil, fmt.Errorf("forecast schedule empty")
	}
	return slots, nil
}

var slotTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04Z"}

func parseSlotTime(raw string) (time.Time, bool) {
	for _, layout := range slotTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type legacyPayload struct {
	Current       *float64 `json:"current"`
	Next          *float64 `json:"next"`
	IntensityNow  *float64 `json:"intensity_now"`
	IntensityNext *float64 `json:"intensity_next"`
}

// fetchLegacy speaks the flat forecast contract of custom mock providers.
func (p *HTTPProvider) fetchLegacy(ctx context.Context, now time.Time) (*Snapshot, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	url := p.baseURL
	if !strings.HasSuffix(url, "/forecast") {
		url += "/forecast"
	}

	var payload legacyPayload
	if err := p.getJSON(ctx, url, timeout, &payload); err != nil {
		return nil, err
	}

	current := payload.Current
	if current == nil {
		current = payload.IntensityNow
	}
	next := payload.Next
	if next == nil {
		next = payload.IntensityNext
	}
	if current == nil && next == nil {
		return nil, ErrUnavailable
	}

	snap := &Snapshot{SampledAt: now}
	switch {
	case current != nil && next != nil:
		snap.IntensityNow = *current
		snap.IntensityNext = *next
	case current != nil:
		snap.IntensityNow = *current
		snap.IntensityNext = *current
		snap.Degraded = true
	default:
		snap.IntensityNow = *next
		snap.IntensityNext = *next
		snap.Degraded = true
	}
	return snap, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, url string, timeout time.Duration, out any) error {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
