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
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultEventType is the type of events that carry no "event" field.
	DefaultEventType = "message"

	maxLineSize = 1 << 20 // 1MB
)

// Event is a single dispatched server-sent event.
type Event struct {
	// ID is the last event ID seen on the stream when this event was dispatched.
	ID string
	// Type is the event name, DefaultEventType when the server sent none.
	Type string
	// Data is the payload with multi-line data joined by "\n".
	Data string
	// Retry is the reconnection time most recently advertised by the server, zero if none.
	Retry time.Duration
}

// Decoder reads events from a text/event-stream body.
type Decoder struct {
	scanner   *bufio.Scanner
	firstLine bool

	lastEventID string
	retry       time.Duration
	eventType   string
	data        strings.Builder
	hasData     bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineSize)
	s.Split(scanLines)
	return &Decoder{scanner: s, firstLine: true}
}

// Next blocks until a complete event is available. It returns io.EOF when the
// stream ends; a trailing event without its terminating blank line is dropped.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if d.firstLine {
			line = strings.TrimPrefix(line, "\ufeff")
			d.firstLine = false
		}

		if line == "" {
			if ev, ok := d.dispatch(); ok {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		d.processField(field, value)
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (d *Decoder) processField(field, value string) {
	switch field {
	case "event":
		d.eventType = value
	case "data":
		d.data.WriteString(value)
		d.data.WriteByte('\n')
		d.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			d.lastEventID = value
		}
	case "retry":
		if ms, err := strconv.ParseUint(value, 10, 63); err == nil {
			d.retry = time.Duration(ms) * time.Millisecond
		}
	}
}

func (d *Decoder) dispatch() (Event, bool) {
	defer func() {
		d.eventType = ""
		d.data.Reset()
		d.hasData = false
	}()

	if !d.hasData {
		return Event{}, false
	}

	eventType := d.eventType
	if eventType == "" {
		eventType = DefaultEventType
	}

	return Event{
		ID:    d.lastEventID,
		Type:  eventType,
		Data:  strings.TrimSuffix(d.data.String(), "\n"),
		Retry: d.retry,
	}, true
}

// scanLines splits on LF, CRLF or a lone CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// CR: swallow a following LF, wait for more data if CR is the last byte
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
