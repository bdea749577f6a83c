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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wso2/api-platform/event-stream-client/pkg/stream"
)

// FrameKind tells hosts how to interpret an outbound frame.
type FrameKind int

const (
	// FramePayload carries a stream payload, byte for byte.
	FramePayload FrameKind = iota
	// FrameError carries an ErrorMessage as JSON.
	FrameError
	// FrameProtocolError carries a ProtocolErrorMessage as JSON.
	FrameProtocolError
)

func (k FrameKind) String() string {
	switch k {
	case FramePayload:
		return "payload"
	case FrameError:
		return "error"
	case FrameProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Frame is one worker-to-host message.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// StartMessage is the only host-to-worker message. Absent backoff fields take
// the bridge defaults; an explicit backoffStepMs of 0 disables retry.
type StartMessage struct {
	Endpoint         string `json:"endpoint"`
	InitialBackoffMs *int64 `json:"initialBackoffMs,omitempty"`
	BackoffStepMs    *int64 `json:"backoffStepMs,omitempty"`
	MaxBackoffMs     *int64 `json:"maxBackoffMs,omitempty"`
}

// ParseStartMessage decodes and checks a start message.
func ParseStartMessage(raw []byte) (StartMessage, error) {
	var msg StartMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&msg); err != nil {
		return StartMessage{}, &ProtocolError{Reason: fmt.Sprintf("malformed start message: %v", err)}
	}
	if dec.More() {
		return StartMessage{}, &ProtocolError{Reason: "malformed start message: trailing data"}
	}

	msg.Endpoint = strings.TrimSpace(msg.Endpoint)
	if msg.Endpoint == "" {
		return StartMessage{}, &ProtocolError{Reason: "start message is missing endpoint"}
	}

	fields := []struct {
		name  string
		value *int64
	}{
		{"initialBackoffMs", msg.InitialBackoffMs},
		{"backoffStepMs", msg.BackoffStepMs},
		{"maxBackoffMs", msg.MaxBackoffMs},
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if *f.value < 0 {
			return StartMessage{}, &ProtocolError{Reason: fmt.Sprintf("%s must not be negative, got %d", f.name, *f.value)}
		}
		if *f.value > maxMillis {
			return StartMessage{}, &ProtocolError{Reason: fmt.Sprintf("%s must not exceed %d, got %d", f.name, maxMillis, *f.value)}
		}
	}
	return msg, nil
}

// Config merges the message over defaults.
func (m StartMessage) Config(defaults Defaults) stream.Config {
	cfg := stream.Config{
		Endpoint:       m.Endpoint,
		InitialBackoff: defaults.InitialBackoff,
		BackoffStep:    defaults.BackoffStep,
		MaxBackoff:     defaults.MaxBackoff,
	}
	if m.InitialBackoffMs != nil {
		cfg.InitialBackoff = millis(*m.InitialBackoffMs)
	}
	if m.BackoffStepMs != nil {
		cfg.BackoffStep = millis(*m.BackoffStepMs)
	}
	if m.MaxBackoffMs != nil {
		cfg.MaxBackoff = millis(*m.MaxBackoffMs)
	}
	return cfg
}

// ErrorMessage reports a failed connection attempt to the host.
type ErrorMessage struct {
	Error            bool   `json:"error"`
	Message          string `json:"message"`
	State            string `json:"state"`
	CurrentBackoffMs int64  `json:"currentBackoffMs"`
	InitialBackoffMs int64  `json:"initialBackoffMs"`
	MaxBackoffMs     int64  `json:"maxBackoffMs"`
	BackoffStepMs    int64  `json:"backoffStepMs"`
	RetryPending     bool   `json:"retryPending"`
	Failures         int    `json:"failures"`
	Generation       uint64 `json:"generation"`
}

// NewErrorMessage builds the outbound form of a channel error.
func NewErrorMessage(err error, st stream.BackoffState) ErrorMessage {
	msg := "SSE failed"
	if err != nil {
		msg = err.Error()
	}
	return ErrorMessage{
		Error:            true,
		Message:          msg,
		State:            st.State.String(),
		CurrentBackoffMs: st.CurrentBackoff.Milliseconds(),
		InitialBackoffMs: st.InitialBackoff.Milliseconds(),
		MaxBackoffMs:     st.MaxBackoff.Milliseconds(),
		BackoffStepMs:    st.BackoffStep.Milliseconds(),
		RetryPending:     st.RetryPending,
		Failures:         st.Failures,
		Generation:       st.Generation,
	}
}

// ProtocolErrorMessage reports a rejected inbound message.
type ProtocolErrorMessage struct {
	Error         bool   `json:"error"`
	ProtocolError bool   `json:"protocolError"`
	Message       string `json:"message"`
}

// ProtocolError is a malformed or duplicate inbound message. It is reported
// to the host and otherwise ignored.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "bridge protocol error: " + e.Reason
}

// IsProtocolError checks if an error is a ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ErrPortClosed is returned by ports after Close.
var ErrPortClosed = errors.New("bridge port closed")

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
