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

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/wso2/api-platform/event-stream-client/pkg/bridge"
	"github.com/wso2/api-platform/event-stream-client/pkg/config"
	"github.com/wso2/api-platform/event-stream-client/pkg/middleware"
	"go.uber.org/zap"
)

const bridgeCmdExample = `# Accept websocket bridge sessions on port 8090
event-stream bridge

# Then send a start message over ws://localhost:8090/bridge:
#   {"endpoint":"http://localhost:8080/sse/abc","initialBackoffMs":1000,"backoffStepMs":1000}`

func newBridgeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:     "bridge",
		Short:   "Run the websocket bridge host",
		Long:    "Every websocket session gets its own bridge running one stream client.",
		Example: bridgeCmdExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if cmd.Flags().Changed("port") {
				cfg.Bridge.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			stopMetrics, err := startMetrics(cfg.Metrics, log)
			if err != nil {
				return err
			}

			if os.Getenv("GIN_MODE") == "" {
				gin.SetMode(gin.ReleaseMode)
			}
			host, router := newBridgeRouter(cfg.Bridge, log)

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Bridge.Port),
				Handler: router,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("Starting bridge host", zap.Int("port", cfg.Bridge.Port), zap.String("path", cfg.Bridge.Path))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("bridge host failed: %w", err)
			}

			log.Info("Shutting down bridge host")
			host.Shutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("Server forced to shutdown", zap.Error(err))
			}
			stopMetrics(shutdownCtx)
			log.Info("Bridge host stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides bridge.port)")
	return cmd
}

func newBridgeRouter(cfg config.BridgeConfig, log *zap.Logger) (*bridge.Host, *gin.Engine) {
	host := bridge.NewHost(bridge.HostConfig{
		Path:             cfg.Path,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WebSocket: bridge.WebSocketConfig{
			WriteTimeout: cfg.WriteTimeout,
			PingInterval: cfg.PingInterval,
		},
		Defaults: bridge.Defaults{
			InitialBackoff: cfg.InitialBackoff,
			BackoffStep:    cfg.BackoffStep,
			MaxBackoff:     cfg.MaxBackoff,
		},
	}, log)

	router := gin.New()
	router.Use(middleware.RequestID(log))
	router.Use(middleware.Logging(log))
	router.Use(gin.Recovery())
	host.Register(router)
	return host, router
}
