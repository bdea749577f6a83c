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

// Package feed turns stream payloads and retry states into display text.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrMalformedPayload is returned for payloads not shaped "<timestamp>(<count>)".
var ErrMalformedPayload = errors.New("malformed payload")

// Update is a parsed broadcast payload.
type Update struct {
	Time   time.Time
	Active int
}

// ParsePayload splits "<timestamp>(<count>)".
func ParsePayload(payload string) (Update, error) {
	ts, rest, found := strings.Cut(payload, "(")
	if !found || !strings.HasSuffix(rest, ")") {
		return Update{}, fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Update{}, fmt.Errorf("%w: invalid timestamp: %v", ErrMalformedPayload, err)
	}
	active, err := strconv.Atoi(strings.TrimSuffix(rest, ")"))
	if err != nil || active < 0 {
		return Update{}, fmt.Errorf("%w: invalid client count %q", ErrMalformedPayload, rest)
	}
	return Update{Time: t, Active: active}, nil
}

// FormatBackoff renders delays under a second in milliseconds, longer ones
// in seconds with precision decimals.
func FormatBackoff(d time.Duration, precision int) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return strconv.FormatFloat(d.Seconds(), 'f', precision, 64) + "s"
}

// Countdown lists the remaining-delay labels shown once per second until the
// retry fires. The last label is always "0s".
func Countdown(d time.Duration) []string {
	var frames []string
	for remaining := d; remaining > 0; remaining -= time.Second {
		frames = append(frames, FormatBackoff(remaining, 0))
	}
	return append(frames, "0s")
}

// RunCountdown renders the first Countdown label at once and the rest one
// per second. It returns when the countdown is over or ctx ends.
func RunCountdown(ctx context.Context, clk clock.Clock, d time.Duration, render func(string)) {
	frames := Countdown(d)
	ticker := clk.Ticker(time.Second)
	defer ticker.Stop()

	for i, frame := range frames {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		render(frame)
	}
}
