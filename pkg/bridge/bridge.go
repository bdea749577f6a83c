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

// Package bridge relays a stream client through a message port: the host
// sends one start message, the worker answers with payloads and errors.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wso2/api-platform/event-stream-client/pkg/metrics"
	"github.com/wso2/api-platform/event-stream-client/pkg/stream"
	"go.uber.org/zap"
)

// Defaults are the backoff values used for fields a start message omits.
type Defaults struct {
	InitialBackoff time.Duration
	BackoffStep    time.Duration
	MaxBackoff     time.Duration
}

// DefaultDefaults matches the stream client defaults, retry enabled.
func DefaultDefaults() Defaults {
	return Defaults{
		InitialBackoff: stream.DefaultInitialBackoff,
		BackoffStep:    stream.DefaultBackoffStep,
		MaxBackoff:     stream.DefaultMaxBackoff,
	}
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the bridge logger, also handed to the stream client
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithDefaults sets the backoff defaults for start messages
func WithDefaults(d Defaults) Option {
	return func(b *Bridge) {
		b.defaults = d
	}
}

// WithClientOptions passes extra options to the stream client
func WithClientOptions(opts ...stream.Option) Option {
	return func(b *Bridge) {
		b.clientOpts = append(b.clientOpts, opts...)
	}
}

// WithID labels the bridge in logs
func WithID(id string) Option {
	return func(b *Bridge) {
		b.id = id
	}
}

// Bridge owns at most one stream client for its whole lifetime and relays
// everything the client reports to its port.
type Bridge struct {
	port       Port
	logger     *zap.Logger
	defaults   Defaults
	clientOpts []stream.Option
	id         string

	mu     sync.Mutex
	client *stream.Client
	cancel context.CancelFunc
	err    error
}

// New creates a bridge on port
func New(port Port, opts ...Option) *Bridge {
	b := &Bridge{
		port:     port,
		logger:   zap.NewNop(),
		defaults: DefaultDefaults(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.id != "" {
		b.logger = b.logger.With(zap.String("bridge_id", b.id))
	}
	return b
}

// Serve handles inbound messages until ctx ends, the host closes the port or
// the port fails. On return the client is stopped and the port closed. A
// clean shutdown returns nil; a port failure is returned as an error.
func (b *Bridge) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	metrics.BridgeSessionsActive.Inc()
	defer metrics.BridgeSessionsActive.Dec()

	b.logger.Info("Bridge session started")
	defer b.shutdown()

	// unblocks ports whose Receive does not observe ctx
	stopClose := context.AfterFunc(ctx, func() { _ = b.port.Close() })
	defer stopClose()

	for {
		raw, err := b.port.Receive(ctx)
		if err != nil {
			if failure := b.failure(); failure != nil {
				return failure
			}
			if ctx.Err() != nil || errors.Is(err, ErrPortClosed) {
				return nil
			}
			return fmt.Errorf("bridge port receive failed: %w", err)
		}

		if err := b.Handle(raw); err != nil && !IsProtocolError(err) {
			return err
		}
	}
}

// Handle processes one inbound message. Protocol errors are reported to the
// host and returned; other errors come from the port.
func (b *Bridge) Handle(raw []byte) error {
	metrics.BridgeMessagesTotal.WithLabelValues("inbound", "start").Inc()

	msg, err := ParseStartMessage(raw)
	if err != nil {
		return b.reject(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.reject(&ProtocolError{Reason: "stream already started for this bridge"})
	}

	cfg := msg.Config(b.defaults)
	cfg.OnMessage = b.forwardPayload
	cfg.OnError = b.forwardError

	opts := append([]stream.Option{stream.WithLogger(b.logger)}, b.clientOpts...)
	client, err := stream.NewClient(cfg, opts...)
	if err != nil {
		return b.reject(&ProtocolError{Reason: err.Error()})
	}
	if err := client.Start(); err != nil {
		return b.reject(&ProtocolError{Reason: err.Error()})
	}
	b.client = client

	b.logger.Info("Bridge stream started",
		zap.String("endpoint", cfg.Endpoint),
		zap.Duration("initial_backoff", client.Config().InitialBackoff),
		zap.Duration("backoff_step", client.Config().BackoffStep),
		zap.Duration("max_backoff", client.Config().MaxBackoff),
	)
	return nil
}

// Client returns the bridge's stream client, nil before a valid start message.
func (b *Bridge) Client() *stream.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *Bridge) forwardPayload(payload string) {
	b.send(Frame{Kind: FramePayload, Data: []byte(payload)})
}

func (b *Bridge) forwardError(err error, st stream.BackoffState) {
	data, mErr := json.Marshal(NewErrorMessage(err, st))
	if mErr != nil {
		b.logger.Error("Failed to marshal bridge error message", zap.Error(mErr))
		return
	}
	b.send(Frame{Kind: FrameError, Data: data})
}

func (b *Bridge) reject(err error) error {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		pe = &ProtocolError{Reason: err.Error()}
	}
	metrics.BridgeProtocolErrorsTotal.Inc()
	b.logger.Warn("Rejected bridge message", zap.String("reason", pe.Reason))

	data, mErr := json.Marshal(ProtocolErrorMessage{Error: true, ProtocolError: true, Message: pe.Reason})
	if mErr != nil {
		return fmt.Errorf("failed to marshal protocol error: %w", mErr)
	}
	if sErr := b.port.Send(Frame{Kind: FrameProtocolError, Data: data}); sErr != nil {
		return fmt.Errorf("failed to report protocol error: %w", sErr)
	}
	metrics.BridgeMessagesTotal.WithLabelValues("outbound", FrameProtocolError.String()).Inc()
	return pe
}

// send delivers a frame; a failing port ends the bridge.
func (b *Bridge) send(f Frame) {
	if err := b.port.Send(f); err != nil {
		b.fail(fmt.Errorf("bridge port send failed: %w", err))
		return
	}
	metrics.BridgeMessagesTotal.WithLabelValues("outbound", f.Kind.String()).Inc()
}

func (b *Bridge) fail(err error) {
	b.mu.Lock()
	if b.err == nil && !errors.Is(err, ErrPortClosed) {
		b.err = err
	}
	client, cancel := b.client, b.cancel
	b.mu.Unlock()

	b.logger.Warn("Bridge port failed, stopping stream", zap.Error(err))
	if client != nil {
		client.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

func (b *Bridge) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	// closing first releases a callback blocked on Send
	_ = b.port.Close()
	if client != nil {
		client.Stop()
	}
	b.logger.Info("Bridge session ended")
}
