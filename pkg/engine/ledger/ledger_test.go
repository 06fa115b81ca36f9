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

package ledger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateAccumulatesAndClamps(t *testing.T) {
	l := New(0.05, -0.5, 0.5, 300, 1)

	// Perfect precision earns target_error per request.
	balance := l.Record(1.0)
	assert.InDelta(t, 0.05, balance, 1e-9)

	// A poor request spends more than it earns.
	balance = l.Record(0.5)
	assert.InDelta(t, 0.05+(0.05-0.5), balance, 1e-9)

	// The balance never leaves [min, max].
	for i := 0; i < 100; i++ {
		balance = l.Record(0.0)
	}
	assert.Equal(t, -0.5, balance)
	for i := 0; i < 1000; i++ {
		balance = l.Record(1.0)
	}
	assert.Equal(t, 0.5, balance)
}

func TestBalanceReachesMaxWithinBudget(t *testing.T) {
	// With all requests at precision 1 the balance must hit credit_max
	// within ceil((max - initial)/target_error) cycles.
	targetError := 0.05
	l := New(targetError, -0.5, 0.5, 300, 1)

	cycles := int(math.Ceil(0.5 / targetError))
	for i := 0; i < cycles; i++ {
		l.Record(1.0)
	}
	assert.Equal(t, 0.5, l.Balance())
}

func TestVelocityDefinedAfterSecondUpdate(t *testing.T) {
	l := New(0.05, -0.5, 0.5, 9, 1) // alpha = 0.2

	l.Record(1.0)
	assert.Zero(t, l.Velocity(), "velocity undefined before the second update")

	l.Record(1.0)
	// First difference is +0.05, smoothed by alpha.
	assert.InDelta(t, 0.2*0.05, l.Velocity(), 1e-9)
}

func TestAllowanceMapsLinearly(t *testing.T) {
	tests := []struct {
		name    string
		balance float64
		want    float64
	}{
		{name: "at min", balance: -0.5, want: 0},
		{name: "at zero", balance: 0, want: 0.5},
		{name: "at max", balance: 0.5, want: 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			l := New(0.05, -0.5, 0.5, 300, 1)
			l.Restore(test.balance)
			assert.InDelta(t, test.want, l.Allowance(), 1e-9)
		})
	}
}

func TestAllowanceSensitivityDampens(t *testing.T) {
	l := New(0.05, -0.5, 0.5, 300, 0.5)
	l.Restore(-0.25) // ratio 0.25

	assert.InDelta(t, math.Sqrt(0.25), l.Allowance(), 1e-9)

	// A fractional exponent always raises sub-max allowances.
	linear := New(0.05, -0.5, 0.5, 300, 1)
	linear.Restore(-0.25)
	assert.Greater(t, l.Allowance(), linear.Allowance())
}

func TestStateIsConsistent(t *testing.T) {
	l := New(0.1, -1, 1, 300, 1)
	l.Record(0.8)

	state := l.State()
	assert.Equal(t, l.Balance(), state.Balance)
	assert.Equal(t, 0.1, state.Target)
	assert.Equal(t, -1.0, state.Min)
	assert.Equal(t, 1.0, state.Max)
	assert.GreaterOrEqual(t, state.Allowance, 0.0)
	assert.LessOrEqual(t, state.Allowance, 1.0)
}

func TestRestoreClampsAndResets(t *testing.T) {
	l := New(0.05, -0.5, 0.5, 300, 1)
	l.Record(1.0)
	l.Record(1.0)

	l.Restore(3.0)
	assert.Equal(t, 0.5, l.Balance())
	assert.Zero(t, l.Velocity())
}
