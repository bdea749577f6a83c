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

// Package broadcast serves a demo event stream: every subscriber receives the
// server time and the number of active subscribers at a fixed interval.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/event-stream-client/pkg/metrics"
	"github.com/wso2/api-platform/event-stream-client/pkg/middleware"
	"go.uber.org/zap"
)

// Config configures the broadcast server.
type Config struct {
	Port     int
	Interval time.Duration
	Retry    time.Duration
	// Buffer is the per-subscriber queue length.
	Buffer int
}

// Option configures a Server
type Option func(*serverOptions)

type serverOptions struct {
	clock clock.Clock
}

// WithClock sets the clock driving the broadcast ticker
func WithClock(clk clock.Clock) Option {
	return func(o *serverOptions) {
		o.clock = clk
	}
}

// Server is the broadcast HTTP server
type Server struct {
	cfg         Config
	clients     *Clients
	broadcaster *Broadcaster
	router      *gin.Engine
	httpServer  *http.Server
	logger      *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a broadcast server
func NewServer(cfg Config, logger *zap.Logger, opts ...Option) *Server {
	o := serverOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clients := NewClients(cfg.Buffer)
	s := &Server{
		cfg:         cfg,
		clients:     clients,
		broadcaster: NewBroadcaster(clients, cfg.Interval, cfg.Retry, o.clock, logger),
		logger:      logger,
		done:        make(chan struct{}),
	}

	router := gin.New()
	router.Use(middleware.RequestID(logger))
	router.Use(middleware.Logging(logger))
	router.Use(gin.Recovery())
	router.GET("/sse/:clientID", s.handleStream)
	s.router = router

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Clients returns the subscriber manager
func (s *Server) Clients() *Clients {
	return s.clients
}

// Broadcaster returns the server's broadcaster
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Start binds the port, then serves and broadcasts in the background until
// ctx ends or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting broadcast server",
		zap.Int("port", s.cfg.Port),
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("retry", s.cfg.Retry),
	)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("broadcast server failed to bind: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Broadcast server failed", zap.Error(err))
		}
	}()

	bctx, cancel := context.WithCancel(ctx)
	go func() {
		<-s.done
		cancel()
	}()
	go s.broadcaster.Run(bctx)

	return nil
}

// Stop ends every open stream and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping broadcast server")
	s.stopOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStream(c *gin.Context) {
	clientID := c.Param("clientID")
	logger := middleware.GetLogger(c, s.logger).With(zap.String("client_id", clientID))

	sub, active := s.clients.New(clientID)
	metrics.SubscribersActive.Set(float64(active))
	logger.Info("Subscriber connected", zap.Int("active", active))

	defer func() {
		active := s.clients.detach(sub)
		metrics.SubscribersActive.Set(float64(active))
		logger.Info("Subscriber disconnected", zap.Int("active", active))
	}()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-sub.Done():
			return false
		case <-s.done:
			return false
		case msg := <-sub.Messages():
			if err := sse.Encode(w, msg.event()); err != nil {
				logger.Debug("Failed to write event", zap.Error(err))
				return false
			}
			return true
		}
	})
}
