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

package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HostConfig configures the websocket host.
type HostConfig struct {
	Path             string
	HandshakeTimeout time.Duration
	WebSocket        WebSocketConfig
	Defaults         Defaults
}

// Host upgrades HTTP requests to websocket sessions and runs one Bridge per
// session. A new session always gets a fresh bridge.
type Host struct {
	cfg      HostConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
	opts     []Option

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHost creates a host. opts are applied to every bridge it creates.
func NewHost(cfg HostConfig, logger *zap.Logger, opts ...Option) *Host {
	if cfg.Path == "" {
		cfg.Path = "/bridge"
	}
	if cfg.Defaults == (Defaults{}) {
		cfg.Defaults = DefaultDefaults()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register mounts the host on router
func (h *Host) Register(router gin.IRouter) {
	router.GET(h.cfg.Path, h.Connect)
}

// Connect handles one websocket upgrade and blocks for the session lifetime.
func (h *Host) Connect(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already replied
		h.logger.Warn("WebSocket upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	sessionID := uuid.NewString()
	logger := h.logger.With(zap.String("session_id", sessionID), zap.String("remote", c.ClientIP()))

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	stop := context.AfterFunc(c.Request.Context(), cancel)
	defer stop()

	port := NewWebSocketPort(conn, h.cfg.WebSocket)
	opts := append([]Option{WithDefaults(h.cfg.Defaults), WithLogger(logger)}, h.opts...)
	b := New(port, opts...)

	if err := b.Serve(ctx); err != nil {
		logger.Warn("Bridge session failed", zap.Error(err))
	}
}

// Shutdown ends every active session.
func (h *Host) Shutdown() {
	h.cancel()
}
