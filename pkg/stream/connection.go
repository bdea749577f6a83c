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
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
)

// Request describes one connection attempt.
type Request struct {
	Endpoint string
	// LastEventID is sent as the Last-Event-ID header when non-empty.
	LastEventID string
}

// Listener receives the lifecycle events of a single connection attempt.
// OnOpen precedes any OnMessage; OnError is the last call, if any.
type Listener interface {
	OnOpen()
	OnMessage(ev Event)
	OnError(err error)
}

// Handle is a live connection attempt.
type Handle interface {
	// Close terminates the channel. It is idempotent; anything the channel
	// observes afterwards is dropped instead of reaching the listener.
	Close()
}

// Connector opens push channels. Open must not block and must not call the
// listener from within Open or Close. A single Open is exactly one attempt;
// connectors never retry.
type Connector interface {
	Open(req Request, l Listener) Handle
}

// HTTPConnector opens server-sent event streams over HTTP.
type HTTPConnector struct {
	client *http.Client
	header http.Header
	logger *zap.Logger
}

// NewHTTPConnector creates a connector. The http.Client must not set a
// Timeout, which would cut long-lived streams; nil uses a default client.
func NewHTTPConnector(client *http.Client, logger *zap.Logger) *HTTPConnector {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPConnector{
		client: client,
		header: http.Header{},
		logger: logger,
	}
}

// WithHeader returns a copy of the connector that sends an extra header on every attempt.
func (c *HTTPConnector) WithHeader(key, value string) *HTTPConnector {
	cp := *c
	cp.header = c.header.Clone()
	cp.header.Add(key, value)
	return &cp
}

// Open starts an attempt in the background.
func (c *HTTPConnector) Open(req Request, l Listener) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &httpHandle{
		cancel:   cancel,
		listener: l,
		done:     make(chan struct{}),
	}
	go h.run(ctx, c, req)
	return h
}

func (c *HTTPConnector) do(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if req.LastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", req.LastEventID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, &ContentTypeError{ContentType: resp.Header.Get("Content-Type")}
	}

	return resp, nil
}

type httpHandle struct {
	cancel   context.CancelFunc
	closed   atomic.Bool
	listener Listener
	done     chan struct{}
}

func (h *httpHandle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		h.cancel()
	}
}

func (h *httpHandle) run(ctx context.Context, c *HTTPConnector, req Request) {
	defer close(h.done)
	defer h.cancel()

	resp, err := c.do(ctx, req)
	if err != nil {
		h.fail(err)
		return
	}
	defer resp.Body.Close()

	if h.closed.Load() {
		return
	}
	h.listener.OnOpen()

	dec := NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = ErrStreamClosed
			}
			h.fail(err)
			return
		}
		if h.closed.Load() {
			return
		}
		c.logger.Debug("Received stream event",
			zap.String("event", ev.Type),
			zap.String("id", ev.ID),
			zap.Int("data_length", len(ev.Data)),
		)
		h.listener.OnMessage(ev)
	}
}

func (h *httpHandle) fail(err error) {
	// errors caused by Close are not reported
	if h.closed.Load() {
		return
	}
	h.listener.OnError(err)
}
