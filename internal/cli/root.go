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

// Package cli implements the event-stream command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wso2/api-platform/event-stream-client/pkg/config"
	"github.com/wso2/api-platform/event-stream-client/pkg/logger"
	"github.com/wso2/api-platform/event-stream-client/pkg/metrics"
	"go.uber.org/zap"
)

const CliName = "event-stream"

var (
	Version   = "dev"
	BuildTime = "unknown"
)

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   CliName,
		Short: "Resilient server-sent event stream client, demo server and bridge",
		Long: "event-stream keeps a server-sent event stream open with linear backoff reconnects.\n" +
			"It also ships the demo broadcast server and a websocket bridge host.",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML or YAML config file")

	root.AddCommand(
		newServeCmd(opts),
		newTailCmd(opts),
		newBridgeCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line and exits on failure
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Oops. An error occurred while executing %s: %v\n", CliName, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of " + CliName,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version v%s (built at %s)\n", CliName, Version, BuildTime)
		},
	}
}

// setup loads configuration and builds the logger.
func (o *rootOptions) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// startMetrics starts the metrics server when enabled. The returned stop
// function is always safe to call.
func startMetrics(cfg config.MetricsConfig, log *zap.Logger) (func(context.Context), error) {
	metrics.SetEnabled(cfg.Enabled)
	if !cfg.Enabled {
		return func(context.Context) {}, nil
	}

	metrics.Init()
	srv := metrics.NewServer(cfg, log)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to stop metrics server", zap.Error(err))
		}
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
