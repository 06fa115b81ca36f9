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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TimestampedCollector exports forecast gauges stamped with the forecast's
// target time instead of the scrape time, so dashboards plot future slots at
// their actual position on the time axis.
type TimestampedCollector struct {
	desc *prometheus.Desc

	mu     sync.Mutex
	points map[timelineKey]timelinePoint
}

type timelineKey struct {
	namespace string
	schedule  string
	policy    string
	horizon   string
}

type timelinePoint struct {
	value float64
	at    time.Time
}

// NewTimestampedCollector builds an empty collector.
func NewTimestampedCollector() *TimestampedCollector {
	return &TimestampedCollector{
		desc: prometheus.NewDesc(
			"scheduler_forecast_intensity_timestamped",
			"Carbon intensity forecast stamped with its target time.",
			[]string{"namespace", "schedule", "policy", "horizon"},
			nil,
		),
		points: map[timelineKey]timelinePoint{},
	}
}

// Set records a forecast value for the given target time.
func (c *TimestampedCollector) Set(namespace, schedule, policy, horizon string, value float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[timelineKey{namespace, schedule, policy, horizon}] = timelinePoint{value: value, at: at}
}

// Expire drops points whose target time is before the cutoff.
func (c *TimestampedCollector) Expire(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, point := range c.points {
		if point.at.Before(cutoff) {
			delete(c.points, key)
		}
	}
}

// Describe implements prometheus.Collector.
func (c *TimestampedCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *TimestampedCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, point := range c.points {
		metric, err := prometheus.NewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			point.value,
			key.namespace, key.schedule, key.policy, key.horizon,
		)
		if err != nil {
			continue
		}
		ch <- prometheus.NewMetricWithTimestamp(point.at, metric)
	}
}
