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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wso2/api-platform/event-stream-client/pkg/config"
	"go.uber.org/zap"
)

// Health is the body of the /health endpoint.
type Health struct {
	Status string `json:"status"`
	// Clients counts stream clients per connection state.
	Clients        map[string]int `json:"clients"`
	BridgeSessions int            `json:"bridgeSessions"`
	Subscribers    int            `json:"subscribers"`
}

// Server is the metrics HTTP server
type Server struct {
	cfg        config.MetricsConfig
	httpServer *http.Server
	log        *zap.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a metrics server for cfg. Port 0 binds a free port,
// reported by Addr once started.
func NewServer(cfg config.MetricsConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	registry := Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(CurrentHealth()); err != nil {
			log.Debug("Failed to write health response", zap.Error(err))
		}
	})

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the server's mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to bind: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.log.Info("Starting metrics HTTP server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping metrics HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// CurrentHealth summarizes the stream gauges. Counts are zero when metrics
// are disabled.
func CurrentHealth() Health {
	h := Health{Status: "healthy", Clients: map[string]int{}}

	families, err := GetRegistry().Gather()
	if err != nil {
		h.Status = "degraded"
	}
	for _, f := range families {
		switch f.GetName() {
		case namespace + "_client_connection_state":
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "state" {
						h.Clients[l.GetValue()] = int(m.GetGauge().GetValue())
					}
				}
			}
		case namespace + "_bridge_sessions_active":
			if ms := f.GetMetric(); len(ms) > 0 {
				h.BridgeSessions = int(ms[0].GetGauge().GetValue())
			}
		case namespace + "_server_subscribers_active":
			if ms := f.GetMetric(); len(ms) > 0 {
				h.Subscribers = int(ms[0].GetGauge().GetValue())
			}
		}
	}
	return h
}
