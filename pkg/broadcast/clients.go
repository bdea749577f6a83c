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

package broadcast

import (
	"sync"
	"time"

	"github.com/gin-contrib/sse"
)

// Message is one server-sent event.
type Message struct {
	Event string
	Data  string
	ID    string
	Retry time.Duration
}

func (m Message) event() sse.Event {
	return sse.Event{
		Event: m.Event,
		Id:    m.ID,
		Retry: uint(m.Retry.Milliseconds()),
		Data:  m.Data,
	}
}

// Subscriber is one connected stream client.
type Subscriber struct {
	ID string

	msgs      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// Messages delivers the messages queued for the subscriber.
func (s *Subscriber) Messages() <-chan Message {
	return s.msgs
}

// Done is closed when the subscriber is removed or replaced.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Clients tracks the active subscribers by client ID.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*Subscriber
	buffer  int
}

// NewClients creates a manager whose subscribers queue up to buffer messages.
func NewClients(buffer int) *Clients {
	if buffer < 1 {
		buffer = 1
	}
	return &Clients{
		clients: make(map[string]*Subscriber),
		buffer:  buffer,
	}
}

// New registers a subscriber and returns it with the number of active
// subscribers. A subscriber already registered under clientID is replaced.
func (cs *Clients) New(clientID string) (*Subscriber, int) {
	sub := &Subscriber{
		ID:   clientID,
		msgs: make(chan Message, cs.buffer),
		done: make(chan struct{}),
	}

	cs.mu.Lock()
	prev := cs.clients[clientID]
	cs.clients[clientID] = sub
	count := len(cs.clients)
	cs.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return sub, count
}

// Remove drops clientID and returns the number of active subscribers.
func (cs *Clients) Remove(clientID string) int {
	cs.mu.Lock()
	sub := cs.clients[clientID]
	delete(cs.clients, clientID)
	count := len(cs.clients)
	cs.mu.Unlock()

	if sub != nil {
		sub.close()
	}
	return count
}

// detach removes sub unless it has already been replaced.
func (cs *Clients) detach(sub *Subscriber) int {
	cs.mu.Lock()
	if cs.clients[sub.ID] == sub {
		delete(cs.clients, sub.ID)
	}
	count := len(cs.clients)
	cs.mu.Unlock()

	sub.close()
	return count
}

// Active returns the number of active subscribers
func (cs *Clients) Active() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.clients)
}

// Client returns the subscriber registered under clientID, nil if none
func (cs *Clients) Client(clientID string) *Subscriber {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.clients[clientID]
}

// Range calls f for a snapshot of the active subscribers.
func (cs *Clients) Range(f func(*Subscriber)) {
	cs.mu.Lock()
	list := make([]*Subscriber, 0, len(cs.clients))
	for _, sub := range cs.clients {
		list = append(list, sub)
	}
	cs.mu.Unlock()

	for _, sub := range list {
		f(sub)
	}
}

// Publish queues msg for sub without blocking. It reports false when the
// subscriber's queue is full or it is gone.
func (cs *Clients) Publish(sub *Subscriber, msg Message) bool {
	select {
	case <-sub.done:
		return false
	default:
	}

	select {
	case sub.msgs <- msg:
		return true
	default:
		return false
	}
}
