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
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/event-stream-client/pkg/metrics"
	"go.uber.org/zap"
)

// TimestampLayout formats the time part of broadcast payloads.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatPayload renders the broadcast payload "<timestamp>(<active>)".
func FormatPayload(now time.Time, active int) string {
	return fmt.Sprintf("%s(%d)", now.UTC().Format(TimestampLayout), active)
}

// Broadcaster periodically sends the server time and subscriber count to
// every subscriber.
type Broadcaster struct {
	clients  *Clients
	interval time.Duration
	retry    time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	seq atomic.Uint64
}

// NewBroadcaster creates a broadcaster. retry is advertised to subscribers
// as their reconnection delay; zero omits the field.
func NewBroadcaster(clients *Clients, interval, retry time.Duration, clk clock.Clock, logger *zap.Logger) *Broadcaster {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:  clients,
		interval: interval,
		retry:    retry,
		clock:    clk,
		logger:   logger,
	}
}

// Run broadcasts every interval until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	b.logger.Info("Broadcaster started", zap.Duration("interval", b.interval))
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Broadcaster stopped")
			return
		case now := <-ticker.C:
			b.Broadcast(now)
		}
	}
}

// Broadcast sends one round and returns the number of subscribers reached.
// Subscribers whose queue is full miss the round.
func (b *Broadcaster) Broadcast(now time.Time) int {
	seq := b.seq.Add(1)
	active := b.clients.Active()
	msg := Message{
		ID:    strconv.FormatUint(seq, 10),
		Data:  FormatPayload(now, active),
		Retry: b.retry,
	}

	sent, dropped := 0, 0
	b.clients.Range(func(sub *Subscriber) {
		if b.clients.Publish(sub, msg) {
			sent++
			return
		}
		dropped++
	})

	metrics.BroadcastsTotal.Inc()
	if dropped > 0 {
		metrics.DroppedMessagesTotal.Add(float64(dropped))
		b.logger.Debug("Dropped broadcast for slow subscribers", zap.Int("dropped", dropped))
	}
	return sent
}
