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

package flavour

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profile(name string, precision float64, enabled bool) Profile {
	return Profile{Name: name, Precision: precision, Enabled: enabled}
}

func TestReplaceAndSnapshotSortsByPrecision(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	require.NoError(t, r.Replace([]Profile{
		profile("precision-50", 0.5, true),
		profile("precision-100", 1.0, true),
		profile("precision-30", 0.3, true),
	}))

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "precision-100", snapshot[0].Name)
	assert.Equal(t, "precision-50", snapshot[1].Name)
	assert.Equal(t, "precision-30", snapshot[2].Name)
}

func TestReplaceRejectsAllDisabled(t *testing.T) {
	r, err := NewRegistry([]Profile{profile("precision-100", 1.0, true)})
	require.NoError(t, err)

	err = r.Replace([]Profile{
		profile("precision-100", 1.0, false),
		profile("precision-50", 0.5, false),
	})
	require.Error(t, err)

	// The previous set survives a rejected update.
	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.True(t, snapshot[0].Enabled)
}

func TestReplaceRejectsInvalidProfiles(t *testing.T) {
	tests := []struct {
		name     string
		profiles []Profile
	}{
		{name: "no name", profiles: []Profile{{Precision: 1, Enabled: true}}},
		{name: "precision zero", profiles: []Profile{profile("x", 0, true)}},
		{name: "precision above one", profiles: []Profile{profile("x", 1.5, true)}},
		{name: "duplicate names", profiles: []Profile{profile("x", 1, true), profile("x", 0.5, true)}},
		{name: "negative intensity", profiles: []Profile{{Name: "x", Precision: 1, CarbonIntensity: -1, Enabled: true}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := NewRegistry(nil)
			require.NoError(t, err)
			assert.Error(t, r.Replace(test.profiles))
		})
	}
}

func TestReplaceFillsDefaults(t *testing.T) {
	r, err := NewRegistry([]Profile{profile("precision-100", 1.0, true)})
	require.NoError(t, err)

	got, ok := r.Get("precision-100")
	require.True(t, ok)
	assert.Equal(t, 1.0, got.LatencyWeight)
	assert.Equal(t, DefaultDeadlineSeconds, got.DeadlineSeconds)
}

func TestPrecisionKey(t *testing.T) {
	assert.Equal(t, "precision-100", PrecisionKey(1.0))
	assert.Equal(t, "precision-30", PrecisionKey(0.3))
	assert.Equal(t, "precision-100", PrecisionKey(7.5), "clamped to 1")
	assert.Equal(t, "precision-0", PrecisionKey(-1))
}

func TestExpectedError(t *testing.T) {
	assert.InDelta(t, 0.3, profile("x", 0.7, true).ExpectedError(), 1e-9)
	assert.Zero(t, profile("x", 1.0, true).ExpectedError())
}

func TestEffectiveIntensity(t *testing.T) {
	withEstimate := Profile{Name: "x", Precision: 1, CarbonIntensity: 80}
	assert.Equal(t, 80.0, withEstimate.EffectiveIntensity(300))

	unknown := Profile{Name: "y", Precision: 1}
	assert.Equal(t, 300.0, unknown.EffectiveIntensity(300))
}
