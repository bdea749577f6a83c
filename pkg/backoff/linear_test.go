/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package backoff

import (
	"math"
	"testing"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinear_Sequence(t *testing.T) {
	tests := []struct {
		name     string
		initial  time.Duration
		step     time.Duration
		max      time.Duration
		expected []time.Duration
	}{
		{
			name:     "clamped at max",
			initial:  time.Second,
			step:     time.Second,
			max:      3 * time.Second,
			expected: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second},
		},
		{
			name:     "defaults",
			initial:  10 * time.Millisecond,
			step:     50 * time.Millisecond,
			max:      15 * time.Second,
			expected: []time.Duration{10 * time.Millisecond, 60 * time.Millisecond, 110 * time.Millisecond, 160 * time.Millisecond},
		},
		{
			name:     "step overshoots max",
			initial:  100 * time.Millisecond,
			step:     time.Second,
			max:      500 * time.Millisecond,
			expected: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond},
		},
		{
			name:     "largest step a start message can carry",
			initial:  10 * time.Millisecond,
			step:     9223372036854 * time.Millisecond,
			max:      15 * time.Second,
			expected: []time.Duration{10 * time.Millisecond, 15 * time.Second, 15 * time.Second, 15 * time.Second},
		},
		{
			name:     "step of max duration",
			initial:  time.Second,
			step:     time.Duration(math.MaxInt64),
			max:      time.Duration(math.MaxInt64),
			expected: []time.Duration{time.Second, time.Duration(math.MaxInt64), time.Duration(math.MaxInt64)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLinear(tt.initial, tt.step, tt.max)
			for i, want := range tt.expected {
				got := l.NextBackOff()
				assert.Equal(t, want, got, "delay #%d", i+1)
				assert.GreaterOrEqual(t, got, tt.initial)
				assert.LessOrEqual(t, got, tt.max)
			}
		})
	}
}

func TestLinear_ResetReturnsToInitial(t *testing.T) {
	l := NewLinear(time.Second, time.Second, 5*time.Second)
	l.NextBackOff()
	l.NextBackOff()
	require.Equal(t, 3*time.Second, l.Current())

	l.Reset()

	assert.Equal(t, time.Second, l.Current())
	assert.Equal(t, time.Second, l.NextBackOff())
}

func TestLinear_ZeroStepStops(t *testing.T) {
	l := NewLinear(10*time.Millisecond, 0, time.Second)

	assert.False(t, l.Enabled())
	assert.Equal(t, cbackoff.Stop, l.NextBackOff())
	assert.Equal(t, Stop, l.NextBackOff())
}

func TestLinear_MaxBelowInitial(t *testing.T) {
	l := NewLinear(2*time.Second, time.Second, time.Second)

	assert.Equal(t, 2*time.Second, l.Max)
	assert.Equal(t, 2*time.Second, l.NextBackOff())
	assert.Equal(t, 2*time.Second, l.NextBackOff())
}
