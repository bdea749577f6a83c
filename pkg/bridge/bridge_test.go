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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/event-stream-client/pkg/backoff"
	"github.com/wso2/api-platform/event-stream-client/pkg/stream"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second

type fakeAttempt struct {
	req stream.Request
	l   stream.Listener
}

func (a *fakeAttempt) Close() {}

type fakeConnector struct {
	mu       sync.Mutex
	attempts []*fakeAttempt
}

func (f *fakeConnector) Open(req stream.Request, l stream.Listener) stream.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAttempt{req: req, l: l}
	f.attempts = append(f.attempts, a)
	return a
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func (f *fakeConnector) wait(t *testing.T, n int) *fakeAttempt {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, waitFor, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[n-1]
}

type bridgeHarness struct {
	port   *ChannelPort
	conn   *fakeConnector
	clock  *clock.Mock
	bridge *Bridge
	cancel context.CancelFunc
	done   chan error
}

func startBridge(t *testing.T, port Port) *bridgeHarness {
	t.Helper()
	h := &bridgeHarness{
		conn:  &fakeConnector{},
		clock: clock.NewMock(),
		done:  make(chan error, 1),
	}
	if cp, ok := port.(*ChannelPort); ok {
		h.port = cp
	}
	h.bridge = New(port,
		WithID("test"),
		WithLogger(zaptest.NewLogger(t)),
		WithClientOptions(stream.WithConnector(h.conn), stream.WithClock(h.clock)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.bridge.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
		}
	})
	return h
}

func (h *bridgeHarness) post(t *testing.T, msg string) {
	t.Helper()
	require.NoError(t, h.port.Post(context.Background(), []byte(msg)))
}

func (h *bridgeHarness) frame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-h.port.Frames():
		return f
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for outbound frame")
		return Frame{}
	}
}

func (h *bridgeHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("bridge did not stop")
		return nil
	}
}

func int64p(v int64) *int64 { return &v }

func TestParseStartMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    StartMessage
		wantErr string
	}{
		{
			name: "all fields",
			raw:  `{"endpoint":"http://localhost/sse/a","initialBackoffMs":1000,"backoffStepMs":1000,"maxBackoffMs":3000}`,
			want: StartMessage{
				Endpoint:         "http://localhost/sse/a",
				InitialBackoffMs: int64p(1000),
				BackoffStepMs:    int64p(1000),
				MaxBackoffMs:     int64p(3000),
			},
		},
		{
			name: "endpoint only",
			raw:  `{"endpoint":" http://localhost/sse/a "}`,
			want: StartMessage{Endpoint: "http://localhost/sse/a"},
		},
		{
			name: "explicit zero step",
			raw:  `{"endpoint":"http://localhost/sse/a","backoffStepMs":0}`,
			want: StartMessage{Endpoint: "http://localhost/sse/a", BackoffStepMs: int64p(0)},
		},
		{name: "malformed json", raw: `{"endpoint":`, wantErr: "malformed start message"},
		{name: "not an object", raw: `"http://localhost"`, wantErr: "malformed start message"},
		{name: "trailing data", raw: `{"endpoint":"http://a"} {}`, wantErr: "trailing data"},
		{name: "missing endpoint", raw: `{"initialBackoffMs":10}`, wantErr: "missing endpoint"},
		{name: "negative value", raw: `{"endpoint":"http://a","maxBackoffMs":-1}`, wantErr: "maxBackoffMs must not be negative"},
		{
			name: "largest duration",
			raw:  `{"endpoint":"http://localhost/sse/a","backoffStepMs":9223372036854}`,
			want: StartMessage{Endpoint: "http://localhost/sse/a", BackoffStepMs: int64p(9223372036854)},
		},
		{name: "value beyond duration range", raw: `{"endpoint":"http://a","initialBackoffMs":100000000000000000}`, wantErr: "initialBackoffMs must not exceed 9223372036854"},
		{name: "step beyond duration range", raw: `{"endpoint":"http://a","backoffStepMs":9223372036855}`, wantErr: "backoffStepMs must not exceed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStartMessage([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsProtocolError(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartMessageLargeStepClampsAtMax(t *testing.T) {
	msg, err := ParseStartMessage([]byte(`{"endpoint":"http://localhost/sse/a","backoffStepMs":9223372036854}`))
	require.NoError(t, err)

	cfg := msg.Config(DefaultDefaults())
	policy := backoff.NewLinear(cfg.InitialBackoff, cfg.BackoffStep, cfg.MaxBackoff)

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		delays = append(delays, policy.NextBackOff())
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Second, 15 * time.Second, 15 * time.Second}, delays)
}

func TestStartMessageConfig(t *testing.T) {
	defaults := Defaults{InitialBackoff: time.Second, BackoffStep: 2 * time.Second, MaxBackoff: time.Minute}

	cfg := StartMessage{Endpoint: "http://a"}.Config(defaults)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.BackoffStep)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)

	cfg = StartMessage{Endpoint: "http://a", BackoffStepMs: int64p(0), MaxBackoffMs: int64p(1500)}.Config(defaults)
	assert.Equal(t, time.Duration(0), cfg.BackoffStep)
	assert.Equal(t, 1500*time.Millisecond, cfg.MaxBackoff)
}

func TestBridgeRelaysPayloadVerbatim(t *testing.T) {
	h := startBridge(t, NewChannelPort(8))
	h.post(t, `{"endpoint":"http://localhost:8080/sse/abc"}`)

	a := h.conn.wait(t, 1)
	assert.Equal(t, "http://localhost:8080/sse/abc", a.req.Endpoint)
	a.l.OnOpen()
	a.l.OnMessage(stream.Event{Data: "2024-01-01T00:00:00.000Z(5)"})

	f := h.frame(t)
	assert.Equal(t, FramePayload, f.Kind)
	assert.Equal(t, "2024-01-01T00:00:00.000Z(5)", string(f.Data))
}

func TestBridgeRelaysErrors(t *testing.T) {
	h := startBridge(t, NewChannelPort(8))
	h.post(t, `{"endpoint":"http://localhost/sse/a","initialBackoffMs":1000,"backoffStepMs":1000,"maxBackoffMs":3000}`)

	for i, want := range []int64{1000, 2000, 3000, 3000} {
		h.conn.wait(t, i+1).l.OnError(errors.New("connection refused"))

		f := h.frame(t)
		require.Equal(t, FrameError, f.Kind)

		var msg ErrorMessage
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		assert.True(t, msg.Error)
		assert.Contains(t, msg.Message, "connection refused")
		assert.Equal(t, "retrying", msg.State)
		assert.Equal(t, want, msg.CurrentBackoffMs)
		assert.Equal(t, int64(1000), msg.InitialBackoffMs)
		assert.Equal(t, int64(3000), msg.MaxBackoffMs)
		assert.Equal(t, int64(1000), msg.BackoffStepMs)
		assert.True(t, msg.RetryPending)
		assert.Equal(t, i+1, msg.Failures)
		assert.Equal(t, uint64(i+1), msg.Generation)

		h.clock.Add(time.Duration(want) * time.Millisecond)
	}
}

func TestBridgeErrorWireFormat(t *testing.T) {
	data, err := json.Marshal(NewErrorMessage(errors.New("boom"), stream.BackoffState{
		State:          stream.Retrying,
		CurrentBackoff: 2 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
		BackoffStep:    time.Second,
		RetryPending:   true,
		Failures:       2,
		Generation:     2,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"error": true,
		"message": "boom",
		"state": "retrying",
		"currentBackoffMs": 2000,
		"initialBackoffMs": 1000,
		"maxBackoffMs": 3000,
		"backoffStepMs": 1000,
		"retryPending": true,
		"failures": 2,
		"generation": 2
	}`, string(data))
}

func TestBridgeZeroStepReportsOnce(t *testing.T) {
	h := startBridge(t, NewChannelPort(8))
	h.post(t, `{"endpoint":"http://localhost/sse/a","backoffStepMs":0}`)

	h.conn.wait(t, 1).l.OnError(errors.New("connection refused"))

	f := h.frame(t)
	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "stopped", msg.State)
	assert.False(t, msg.RetryPending)

	h.clock.Add(time.Hour)
	select {
	case f := <-h.port.Frames():
		t.Fatalf("unexpected frame %s: %s", f.Kind, f.Data)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, h.conn.count())
}

func TestBridgeProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		first   string
		second  string
		wantMsg string
		clients int
	}{
		{
			name:    "duplicate start",
			first:   `{"endpoint":"http://localhost/sse/a"}`,
			second:  `{"endpoint":"http://localhost/sse/b"}`,
			wantMsg: "stream already started",
			clients: 1,
		},
		{
			name:    "malformed then nothing",
			second:  `not json`,
			wantMsg: "malformed start message",
		},
		{
			name:    "invalid client configuration",
			second:  `{"endpoint":"http://localhost/sse/a","initialBackoffMs":5000,"maxBackoffMs":1000}`,
			wantMsg: "max backoff",
		},
		{
			name:    "unsupported scheme",
			second:  `{"endpoint":"ftp://localhost/sse/a"}`,
			wantMsg: "invalid endpoint scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startBridge(t, NewChannelPort(8))
			if tt.first != "" {
				h.post(t, tt.first)
				h.conn.wait(t, 1)
			}
			h.post(t, tt.second)

			f := h.frame(t)
			require.Equal(t, FrameProtocolError, f.Kind)

			var msg ProtocolErrorMessage
			require.NoError(t, json.Unmarshal(f.Data, &msg))
			assert.True(t, msg.Error)
			assert.True(t, msg.ProtocolError)
			assert.Contains(t, msg.Message, tt.wantMsg)
			assert.Equal(t, tt.clients, h.conn.count())
		})
	}
}

func TestBridgeStartsAfterMalformedMessage(t *testing.T) {
	h := startBridge(t, NewChannelPort(8))
	h.post(t, `{`)
	assert.Equal(t, FrameProtocolError, h.frame(t).Kind)
	assert.Nil(t, h.bridge.Client())

	h.post(t, `{"endpoint":"http://localhost/sse/a"}`)
	h.conn.wait(t, 1)
	require.NotNil(t, h.bridge.Client())
}

func TestBridgeServeStopsClient(t *testing.T) {
	t.Run("context cancelled", func(t *testing.T) {
		h := startBridge(t, NewChannelPort(8))
		h.post(t, `{"endpoint":"http://localhost/sse/a"}`)
		h.conn.wait(t, 1)

		h.cancel()
		assert.NoError(t, h.wait(t))
		assert.Equal(t, stream.Stopped, h.bridge.Client().State())
	})

	t.Run("host closes port", func(t *testing.T) {
		h := startBridge(t, NewChannelPort(8))
		h.post(t, `{"endpoint":"http://localhost/sse/a"}`)
		h.conn.wait(t, 1)

		require.NoError(t, h.port.Close())
		assert.NoError(t, h.wait(t))
		assert.Equal(t, stream.Stopped, h.bridge.Client().State())
		assert.ErrorIs(t, h.port.Post(context.Background(), []byte("{}")), ErrPortClosed)
	})
}

// brokenPort accepts inbound messages but fails every send.
type brokenPort struct {
	*ChannelPort
}

func (p brokenPort) Send(Frame) error {
	return errors.New("worker channel broken")
}

func TestBridgeSendFailureEndsBridge(t *testing.T) {
	inner := NewChannelPort(8)
	h := startBridge(t, brokenPort{inner})
	require.NoError(t, inner.Post(context.Background(), []byte(`{"endpoint":"http://localhost/sse/a"}`)))

	a := h.conn.wait(t, 1)
	a.l.OnOpen()
	a.l.OnMessage(stream.Event{Data: "lost"})

	err := h.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker channel broken")
	assert.Equal(t, stream.Stopped, h.bridge.Client().State())
}
