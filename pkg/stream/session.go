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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/event-stream-client/pkg/backoff"
	"github.com/wso2/api-platform/event-stream-client/pkg/metrics"
	"go.uber.org/zap"
)

const eventBufferSize = 64

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evError
	evRetry
)

func (k eventKind) String() string {
	switch k {
	case evOpen:
		return "open"
	case evMessage:
		return "message"
	case evError:
		return "error"
	case evRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// loopEvent is posted to the run loop by connections and timers. gen is the
// connection attempt the event belongs to.
type loopEvent struct {
	kind eventKind
	gen  uint64
	ev   Event
	err  error
}

// session is one run of a Client, from Start until the loop exits.
type session struct {
	c      *Client
	events chan loopEvent

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	cbMu       sync.Mutex
	stopped    bool
	inCallback bool

	// owned by the loop goroutine
	state       State
	policy      *backoff.Linear
	delay       time.Duration
	generation  uint64
	failures    int
	conn        Handle
	retry       *clock.Timer
	lastEventID string
}

func newSession(c *Client) *session {
	policy := backoff.NewLinear(c.cfg.InitialBackoff, c.cfg.BackoffStep, c.cfg.MaxBackoff)
	return &session{
		c:      c,
		events: make(chan loopEvent, eventBufferSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		state:  Connecting,
		policy: policy,
		delay:  policy.Current(),
	}
}

// markStopped prevents further callbacks and snapshot updates. It reports
// whether a callback is executing right now.
func (s *session) markStopped() bool {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.stopped = true
	return s.inCallback
}

func (s *session) isStopped() bool {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return s.stopped
}

func (s *session) signalStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *session) loop() {
	defer close(s.done)
	defer s.shutdown()

	s.connect()
	for {
		// stop wins over queued events
		select {
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-s.stopCh:
			return
		case ev := <-s.events:
			if !s.handle(ev) {
				return
			}
		}
	}
}

func (s *session) shutdown() {
	s.cancelRetry()
	s.closeHandle()
	if s.state != Stopped {
		s.setState(Stopped)
	}
	s.c.logger.Debug("Event stream loop exited", zap.Uint64("generation", s.generation))
}

// post hands an event to the loop. It gives up once the run is stopping.
func (s *session) post(ev loopEvent) {
	select {
	case s.events <- ev:
	case <-s.stopCh:
	case <-s.done:
	}
}

// handle processes one event and reports whether the loop should continue.
func (s *session) handle(ev loopEvent) bool {
	if ev.gen != s.generation {
		s.discard(ev, "superseded attempt")
		return true
	}

	switch ev.kind {
	case evOpen:
		if s.state != Connecting {
			s.discard(ev, "not connecting")
			return true
		}
		s.handleOpen()
	case evMessage:
		// a message implies the channel is open even if the open signal was skipped
		if s.state == Connecting {
			s.handleOpen()
		}
		if s.state != Open {
			s.discard(ev, "not open")
			return true
		}
		s.handleMessage(ev.ev)
	case evError:
		if s.state != Connecting && s.state != Open {
			s.discard(ev, "no live attempt")
			return true
		}
		return s.handleError(ev.err)
	case evRetry:
		if s.state != Retrying || s.retry == nil {
			s.discard(ev, "no pending retry")
			return true
		}
		s.handleRetry()
	}
	return true
}

func (s *session) discard(ev loopEvent, reason string) {
	metrics.StaleEventsDiscardedTotal.WithLabelValues(ev.kind.String()).Inc()
	s.c.logger.Debug("Discarding stale stream event",
		zap.String("kind", ev.kind.String()),
		zap.Uint64("event_generation", ev.gen),
		zap.Uint64("generation", s.generation),
		zap.String("state", s.state.String()),
		zap.String("reason", reason),
	)
}

// connect starts a new attempt, superseding any previous one.
func (s *session) connect() {
	s.cancelRetry()
	s.closeHandle()

	s.generation++
	metrics.ConnectionAttemptsTotal.Inc()
	s.c.logger.Debug("Opening event stream",
		zap.String("endpoint", s.c.cfg.Endpoint),
		zap.Uint64("generation", s.generation),
		zap.String("last_event_id", s.lastEventID),
	)

	s.conn = s.c.connector.Open(Request{
		Endpoint:    s.c.cfg.Endpoint,
		LastEventID: s.lastEventID,
	}, &attempt{s: s, gen: s.generation})
	s.setState(Connecting)
}

func (s *session) handleOpen() {
	s.cancelRetry()
	s.policy.Reset()
	s.delay = s.policy.Current()
	s.failures = 0
	metrics.ConnectionsOpenedTotal.Inc()
	s.setState(Open)
}

func (s *session) handleMessage(ev Event) {
	if ev.ID != "" {
		s.lastEventID = ev.ID
	}
	metrics.MessagesReceivedTotal.Inc()
	if fn := s.c.cfg.OnMessage; fn != nil {
		s.dispatch("on_message", func() { fn(ev.Data) })
	}
}

// handleError reports a failed attempt and either schedules the next one or
// stops the run. It returns false when the loop must exit.
func (s *session) handleError(cause error) bool {
	phase := "stream"
	if s.state == Connecting {
		phase = "connect"
	}
	s.closeHandle()
	s.failures++
	metrics.ChannelErrorsTotal.WithLabelValues(phase).Inc()

	chErr := &ChannelError{
		Endpoint:   s.c.cfg.Endpoint,
		Generation: s.generation,
		Failures:   s.failures,
		Err:        cause,
	}

	d := s.policy.NextBackOff()
	if d == backoff.Stop {
		s.c.logger.Warn("Event stream failed, automatic retry disabled",
			zap.String("endpoint", s.c.cfg.Endpoint),
			zap.String("phase", phase),
			zap.Error(cause),
		)
		snap := s.setState(Stopped)
		s.notifyError(chErr, snap)
		return false
	}

	s.delay = d
	gen := s.generation
	s.retry = s.c.clock.AfterFunc(d, func() {
		s.post(loopEvent{kind: evRetry, gen: gen})
	})
	metrics.RetriesScheduledTotal.Inc()
	metrics.RetryDelaySeconds.Observe(d.Seconds())

	s.c.logger.Warn("Event stream failed, retry scheduled",
		zap.String("endpoint", s.c.cfg.Endpoint),
		zap.String("phase", phase),
		zap.Int("failures", s.failures),
		zap.Duration("retry_in", d),
		zap.Error(cause),
	)
	snap := s.setState(Retrying)
	s.notifyError(chErr, snap)
	return true
}

func (s *session) handleRetry() {
	s.retry = nil
	s.delay = s.policy.Current()
	s.connect()
}

func (s *session) notifyError(err error, snap BackoffState) {
	if fn := s.c.cfg.OnError; fn != nil {
		s.dispatch("on_error", func() { fn(err, snap) })
	}
}

// dispatch runs a consumer callback unless the run has been stopped.
func (s *session) dispatch(name string, fn func()) {
	s.cbMu.Lock()
	if s.stopped {
		s.cbMu.Unlock()
		return
	}
	s.inCallback = true
	s.cbMu.Unlock()

	defer func() {
		s.cbMu.Lock()
		s.inCallback = false
		s.cbMu.Unlock()

		if r := recover(); r != nil {
			metrics.CallbackPanicsTotal.WithLabelValues(name).Inc()
			s.c.logger.Error("Recovered panic in stream callback",
				zap.String("callback", name),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}

func (s *session) cancelRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *session) closeHandle() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *session) setState(st State) BackoffState {
	s.state = st
	snap := s.snapshot(st)
	s.c.publish(s, snap)
	return snap
}

func (s *session) snapshot(st State) BackoffState {
	return BackoffState{
		State:          st,
		CurrentBackoff: s.delay,
		InitialBackoff: s.c.cfg.InitialBackoff,
		MaxBackoff:     s.c.cfg.MaxBackoff,
		BackoffStep:    s.c.cfg.BackoffStep,
		RetryPending:   s.retry != nil,
		Generation:     s.generation,
		Failures:       s.failures,
	}
}

// attempt forwards the callbacks of one connection attempt to the loop.
type attempt struct {
	s   *session
	gen uint64
}

func (a *attempt) OnOpen() {
	a.s.post(loopEvent{kind: evOpen, gen: a.gen})
}

func (a *attempt) OnMessage(ev Event) {
	a.s.post(loopEvent{kind: evMessage, gen: a.gen, ev: ev})
}

func (a *attempt) OnError(err error) {
	a.s.post(loopEvent{kind: evError, gen: a.gen, err: err})
}
