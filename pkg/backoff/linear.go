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

// Package backoff provides the linear retry delay policy used by the stream client.
package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Stop is returned by NextBackOff when retrying is disabled.
const Stop = cbackoff.Stop

// Linear grows the retry delay by a fixed step per consecutive failure and
// clamps it at Max. A zero Step disables retrying altogether.
//
// Linear is not safe for concurrent use; it is owned by a single client loop.
type Linear struct {
	Initial time.Duration
	Step    time.Duration
	Max     time.Duration

	current time.Duration
}

var _ cbackoff.BackOff = (*Linear)(nil)

// NewLinear returns a Linear policy positioned at its initial delay.
func NewLinear(initial, step, max time.Duration) *Linear {
	if max < initial {
		max = initial
	}
	l := &Linear{Initial: initial, Step: step, Max: max}
	l.Reset()
	return l
}

// NextBackOff returns the delay for the next retry and advances the policy
// so the following call returns a delay one step longer (clamped at Max).
func (l *Linear) NextBackOff() time.Duration {
	if l.Step <= 0 {
		return Stop
	}
	d := l.current
	// saturate: current+Step may overflow
	if l.Step >= l.Max-l.current {
		l.current = l.Max
	} else {
		l.current = l.clamp(l.current + l.Step)
	}
	return d
}

// Reset moves the policy back to its initial delay.
func (l *Linear) Reset() {
	l.current = l.clamp(l.Initial)
}

// Current returns the delay NextBackOff would return, without advancing.
func (l *Linear) Current() time.Duration {
	return l.current
}

// Enabled reports whether the policy ever schedules a retry.
func (l *Linear) Enabled() bool {
	return l.Step > 0
}

func (l *Linear) clamp(d time.Duration) time.Duration {
	if d > l.Max {
		return l.Max
	}
	if d < l.Initial {
		return l.Initial
	}
	return d
}
