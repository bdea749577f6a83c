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
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, r io.Reader) []Event {
	t.Helper()
	dec := NewDecoder(r)
	var events []Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Event
	}{
		{
			name:  "single data line",
			input: "data: 2024-01-01T00:00:00.000Z(5)\n\n",
			want:  []Event{{Type: "message", Data: "2024-01-01T00:00:00.000Z(5)"}},
		},
		{
			name:  "multi-line data",
			input: "data: first\ndata: second\n\n",
			want:  []Event{{Type: "message", Data: "first\nsecond"}},
		},
		{
			name:  "named event with id and retry",
			input: "event: tick\nid: 42\nretry: 1500\ndata: x\n\n",
			want:  []Event{{ID: "42", Type: "tick", Data: "x", Retry: 1500 * time.Millisecond}},
		},
		{
			name:  "id persists across events",
			input: "id: 1\ndata: a\n\ndata: b\n\n",
			want: []Event{
				{ID: "1", Type: "message", Data: "a"},
				{ID: "1", Type: "message", Data: "b"},
			},
		},
		{
			name:  "comments and unknown fields are ignored",
			input: ": keep-alive\nfoo: bar\ndata: a\n\n",
			want:  []Event{{Type: "message", Data: "a"}},
		},
		{
			name:  "event without data is not dispatched",
			input: "event: ping\n\ndata: a\n\n",
			want:  []Event{{Type: "message", Data: "a"}},
		},
		{
			name:  "CRLF and lone CR line endings",
			input: "data: a\r\n\r\ndata: b\r\rdata: c\n\n",
			want: []Event{
				{Type: "message", Data: "a"},
				{Type: "message", Data: "b"},
				{Type: "message", Data: "c"},
			},
		},
		{
			name:  "leading BOM is stripped",
			input: "\ufeffdata: a\n\n",
			want:  []Event{{Type: "message", Data: "a"}},
		},
		{
			name:  "field without colon",
			input: "data\n\n",
			want:  []Event{{Type: "message", Data: ""}},
		},
		{
			name:  "value keeps all but the first space",
			input: "data:  padded \n\n",
			want:  []Event{{Type: "message", Data: " padded "}},
		},
		{
			name:  "invalid retry is ignored",
			input: "retry: soon\ndata: a\n\n",
			want:  []Event{{Type: "message", Data: "a"}},
		},
		{
			name:  "incomplete trailing event is dropped",
			input: "data: a\n\ndata: partial",
			want:  []Event{{Type: "message", Data: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeAll(t, strings.NewReader(tt.input)))
		})
	}
}

func TestDecoderSplitReads(t *testing.T) {
	input := "id: 9\r\ndata: one\r\n\r\ndata: two\r\n\r\n"
	events := decodeAll(t, iotest.OneByteReader(strings.NewReader(input)))

	require.Len(t, events, 2)
	assert.Equal(t, "one", events[0].Data)
	assert.Equal(t, "two", events[1].Data)
	assert.Equal(t, "9", events[1].ID)
}

func TestDecoderReadError(t *testing.T) {
	boom := errors.New("boom")
	dec := NewDecoder(io.MultiReader(strings.NewReader("data: a\n\n"), iotest.ErrReader(boom)))

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Data)

	_, err = dec.Next()
	assert.ErrorIs(t, err, boom)
}
