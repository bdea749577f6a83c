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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "event_stream"
)

var (
	once     sync.Once
	mu       sync.RWMutex
	registry *prometheus.Registry

	// Enabled controls whether collectors are registered with the exposed registry.
	// Collectors always exist so call sites never need nil checks.
	Enabled = true

	ConnectionAttemptsTotal   = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "connection_attempts_total", Help: "Total number of stream connection attempts"})
	ConnectionsOpenedTotal    = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "connections_opened_total", Help: "Total number of successfully opened stream connections"})
	ConnectionState           = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "client", Name: "connection_state", Help: "Number of clients per connection state"}, []string{"state"})
	ChannelErrorsTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "channel_errors_total", Help: "Total number of failed stream connection attempts"}, []string{"phase"})
	RetriesScheduledTotal     = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "retries_scheduled_total", Help: "Total number of scheduled reconnect attempts"})
	RetryDelaySeconds         = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: "client", Name: "retry_delay_seconds", Help: "Delay of scheduled reconnect attempts in seconds", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 15, 30}})
	MessagesReceivedTotal     = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "messages_received_total", Help: "Total number of stream messages delivered to consumers"})
	StaleEventsDiscardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "stale_events_discarded_total", Help: "Total number of events discarded because their connection attempt was superseded"}, []string{"kind"})
	CallbackPanicsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "callback_panics_total", Help: "Total number of recovered panics in consumer callbacks"}, []string{"callback"})

	BridgeMessagesTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "bridge", Name: "messages_total", Help: "Total number of messages crossing the bridge"}, []string{"direction", "type"})
	BridgeProtocolErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "bridge", Name: "protocol_errors_total", Help: "Total number of rejected inbound bridge messages"})
	BridgeSessionsActive      = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "bridge", Name: "sessions_active", Help: "Number of active bridge sessions"})

	SubscribersActive    = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "server", Name: "subscribers_active", Help: "Number of connected SSE subscribers"})
	BroadcastsTotal      = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "server", Name: "broadcasts_total", Help: "Total number of broadcast rounds"})
	DroppedMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "server", Name: "dropped_messages_total", Help: "Total number of messages dropped for slow subscribers"})

	Up = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "up", Help: "Whether the process is up"})
)

func collectorsList() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionAttemptsTotal,
		ConnectionsOpenedTotal,
		ConnectionState,
		ChannelErrorsTotal,
		RetriesScheduledTotal,
		RetryDelaySeconds,
		MessagesReceivedTotal,
		StaleEventsDiscardedTotal,
		CallbackPanicsTotal,
		BridgeMessagesTotal,
		BridgeProtocolErrorsTotal,
		BridgeSessionsActive,
		SubscribersActive,
		BroadcastsTotal,
		DroppedMessagesTotal,
		Up,
	}
}

// SetEnabled toggles collector registration. It must be called before Init.
func SetEnabled(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	Enabled = enabled
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, c := range collectorsList() {
		if err := registry.Register(c); err != nil {
			// Already registered or other error - ignore
		}
	}

	Up.Set(1)
}

// Init initializes the metrics registry with all collectors.
func Init() *prometheus.Registry {
	once.Do(func() {
		mu.RLock()
		enabled := Enabled
		mu.RUnlock()

		if !enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// SetConnectionState moves one client from one state gauge to another.
func SetConnectionState(from, to string) {
	if from == to {
		return
	}
	if from != "" {
		ConnectionState.WithLabelValues(from).Dec()
	}
	if to != "" {
		ConnectionState.WithLabelValues(to).Inc()
	}
}
