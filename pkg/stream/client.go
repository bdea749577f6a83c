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
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/event-stream-client/pkg/metrics"
	"go.uber.org/zap"
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for retry timers
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithConnector replaces the default HTTPConnector
func WithConnector(connector Connector) Option {
	return func(c *Client) {
		if connector != nil {
			c.connector = connector
		}
	}
}

// Client keeps a logically continuous event stream open, reconnecting with
// linear backoff after failures.
//
// Each Start launches one run loop goroutine that exclusively owns the live
// connection handle, the retry timer and the backoff state. Connections and
// timers only post generation-tagged events to that loop, and callbacks are
// invoked from it, so callbacks never run concurrently with each other.
type Client struct {
	cfg       Config
	connector Connector
	clock     clock.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	snapshot BackoffState
	run      *session
}

// NewClient creates an idle client
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream client configuration: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.connector == nil {
		c.connector = NewHTTPConnector(nil, c.logger)
	}

	c.snapshot = BackoffState{
		State:          Idle,
		CurrentBackoff: cfg.InitialBackoff,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		BackoffStep:    cfg.BackoffStep,
	}
	metrics.SetConnectionState("", Idle.String())

	return c, nil
}

// Config returns the configuration the client was built with, defaults applied
func (c *Client) Config() Config {
	return c.cfg
}

// Start begins connecting. It fails with ErrAlreadyStarted unless the client
// is idle or stopped.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.snapshot.State; st != Idle && st != Stopped {
		return ErrAlreadyStarted
	}

	// a run that stopped itself may still be unwinding inside a callback
	if c.run != nil {
		c.run.markStopped()
		c.run.signalStop()
	}

	c.logger.Info("Starting event stream client",
		zap.String("endpoint", c.cfg.Endpoint),
		zap.Duration("initial_backoff", c.cfg.InitialBackoff),
		zap.Duration("max_backoff", c.cfg.MaxBackoff),
		zap.Duration("backoff_step", c.cfg.BackoffStep),
	)

	s := newSession(c)
	c.run = s
	prev := c.snapshot.State
	c.snapshot = s.snapshot(Connecting)
	metrics.SetConnectionState(prev.String(), Connecting.String())

	go s.loop()
	return nil
}

// Stop cancels any pending retry, closes the connection and moves the client
// to Stopped. It is idempotent and safe from any goroutine, including from
// within OnMessage/OnError. Once Stop returns no callback starts; when called
// from outside a callback it also waits for the run loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	s := c.run
	busy := false
	if s != nil {
		busy = s.markStopped()
	}
	if prev := c.snapshot.State; prev != Stopped {
		c.logger.Info("Stopping event stream client", zap.String("state", prev.String()))
		c.snapshot.State = Stopped
		c.snapshot.RetryPending = false
		metrics.SetConnectionState(prev.String(), Stopped.String())
	}
	c.mu.Unlock()

	if s == nil {
		return
	}
	s.signalStop()
	if !busy {
		<-s.done
	}
}

// State returns the current state (thread-safe)
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.State
}

// Snapshot returns a copy of the current backoff state (thread-safe)
func (c *Client) Snapshot() BackoffState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Done returns a channel closed when the current run loop has exited.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.run.done
}

// publish stores a snapshot produced by s unless s has been superseded or stopped.
func (c *Client) publish(s *session, snap BackoffState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != s || s.isStopped() {
		return
	}
	prev := c.snapshot.State
	c.snapshot = snap
	if prev != snap.State {
		metrics.SetConnectionState(prev.String(), snap.State.String())
		c.logger.Info("Event stream state changed",
			zap.String("from", prev.String()),
			zap.String("to", snap.State.String()),
		)
	}
}
