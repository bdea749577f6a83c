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
)

var (
	// ErrAlreadyStarted is returned by Start when the client is neither idle nor stopped.
	ErrAlreadyStarted = errors.New("stream client already started")

	// ErrStreamClosed reports that the server ended the event stream.
	ErrStreamClosed = errors.New("event stream closed by server")
)

// ChannelError is a transient failure of one connection attempt: the push
// channel failed to open or was lost. It is only ever delivered through the
// client's OnError callback.
type ChannelError struct {
	Endpoint   string
	Generation uint64 // connection attempt that failed
	Failures   int    // consecutive failures including this one
	Err        error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("event stream %s failed (attempt %d, %d consecutive): %v",
		e.Endpoint, e.Generation, e.Failures, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Temporary reports that the failure is recoverable by reconnecting.
func (e *ChannelError) Temporary() bool {
	return true
}

// StatusError is returned when the stream endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status from event stream: %s", e.Status)
}

// ContentTypeError is returned when the response is not an event stream.
type ContentTypeError struct {
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("unexpected content type %q, want text/event-stream", e.ContentType)
}
