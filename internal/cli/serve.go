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
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/wso2/api-platform/event-stream-client/pkg/broadcast"
	"go.uber.org/zap"
)

const serveCmdExample = `# Serve the demo stream on port 8080
event-stream serve

# Broadcast every 500ms on port 9000
event-stream serve --port 9000 --interval 500ms`

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		port     int
		interval string
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the demo broadcast server",
		Long:    "Serves GET /sse/{clientID}. Every subscriber receives the server time and the number of active subscribers.",
		Example: serveCmdExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("interval") {
				if cfg.Server.Interval, err = parseDuration("interval", interval); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
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
			srv := broadcast.NewServer(broadcast.Config{
				Port:     cfg.Server.Port,
				Interval: cfg.Server.Interval,
				Retry:    cfg.Server.Retry,
				Buffer:   cfg.Server.Buffer,
			}, log)
			if err := srv.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			log.Info("Shutting down broadcast server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Error("Server forced to shutdown", zap.Error(err))
			}
			stopMetrics(shutdownCtx)
			log.Info("Broadcast server stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().StringVar(&interval, "interval", "", "broadcast interval (overrides server.interval)")
	return cmd
}
