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

package stream

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultInitialBackoff = 10 * time.Millisecond
	DefaultMaxBackoff     = 15 * time.Second
	DefaultBackoffStep    = 50 * time.Millisecond
)

// Config configures a Client. It is copied by NewClient and never mutated afterwards.
type Config struct {
	// Endpoint is the URL of the event source.
	Endpoint string

	// InitialBackoff is the delay before the first retry. Zero means DefaultInitialBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Zero means DefaultMaxBackoff.
	MaxBackoff time.Duration

	// BackoffStep is added to the delay after every consecutive failure.
	// Zero disables automatic retry: the first failure is reported and the client stops.
	BackoffStep time.Duration

	// OnMessage receives every payload verbatim, in arrival order.
	OnMessage func(payload string)

	// OnError is invoked exactly once per failed connection attempt.
	OnError func(err error, state BackoffState)
}

// DefaultConfig returns a Config for endpoint with all backoff defaults, retry enabled.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		BackoffStep:    DefaultBackoffStep,
	}
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint scheme %q: must be http or https", u.Scheme)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %s", c.InitialBackoff)
	}
	if c.BackoffStep < 0 {
		return fmt.Errorf("backoff step must not be negative, got %s", c.BackoffStep)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff (%s) must be >= initial backoff (%s)", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}

// BackoffState is a point-in-time copy of a client's retry state.
type BackoffState struct {
	State State

	// CurrentBackoff is the delay of the scheduled retry while Retrying,
	// otherwise the delay the next retry would use.
	CurrentBackoff time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffStep    time.Duration

	RetryPending bool
	Generation   uint64
	Failures     int
}
