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
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/wso2/api-platform/event-stream-client/pkg/config"
	"github.com/wso2/api-platform/event-stream-client/pkg/feed"
	"github.com/wso2/api-platform/event-stream-client/pkg/stream"
	"go.uber.org/zap"
)

const tailCmdExample = `# Follow the demo server with a random client ID
event-stream tail --server http://localhost:8080

# Follow an explicit stream, retrying after 1s, 2s, 3s, 3s, ...
event-stream tail --endpoint http://localhost:8080/sse/me --initial-backoff 1s --backoff-step 1s --max-backoff 3s

# Give up after the first failure
event-stream tail --backoff-step 0s`

type tailOptions struct {
	endpoint       string
	server         string
	initialBackoff string
	backoffStep    string
	maxBackoff     string
	raw            bool
}

func newTailCmd(opts *rootOptions) *cobra.Command {
	to := &tailOptions{}

	cmd := &cobra.Command{
		Use:     "tail",
		Short:   "Follow an event stream, reconnecting with linear backoff",
		Example: tailCmdExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if err := to.apply(cmd, &cfg.Client); err != nil {
				return err
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
			defer stopMetrics(context.Background())

			p := newPrinter(ctx, cmd.OutOrStdout(), clock.New(), to.raw)
			defer p.stopCountdown()

			client, err := newTailClient(cfg.Client, p, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Following %s\n", client.Config().Endpoint)
			if err := client.Start(); err != nil {
				return err
			}
			defer client.Stop()

			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				return fmt.Errorf("stream stopped after a failure with retry disabled")
			}
		},
	}

	cmd.Flags().StringVarP(&to.endpoint, "endpoint", "e", "", "stream URL (overrides client.endpoint)")
	cmd.Flags().StringVarP(&to.server, "server", "s", "", "server base URL, the stream is <server>/sse/<random id> (overrides client.server_url)")
	cmd.Flags().StringVar(&to.initialBackoff, "initial-backoff", "", "delay before the first retry")
	cmd.Flags().StringVar(&to.backoffStep, "backoff-step", "", "delay increase per consecutive failure, 0 disables retry")
	cmd.Flags().StringVar(&to.maxBackoff, "max-backoff", "", "upper bound of the retry delay")
	cmd.Flags().BoolVar(&to.raw, "raw", false, "print payloads verbatim")
	return cmd
}

// apply overlays the flags that were set on the configuration.
func (to *tailOptions) apply(cmd *cobra.Command, cc *config.ClientConfig) error {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cc.Endpoint = to.endpoint
	}
	if flags.Changed("server") {
		cc.ServerURL = to.server
		if !flags.Changed("endpoint") {
			cc.Endpoint = ""
		}
	}

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"initial-backoff", to.initialBackoff, &cc.InitialBackoff},
		{"backoff-step", to.backoffStep, &cc.BackoffStep},
		{"max-backoff", to.maxBackoff, &cc.MaxBackoff},
	}
	for _, d := range durations {
		if !flags.Changed(d.flag) {
			continue
		}
		v, err := parseDuration(d.flag, d.value)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

func parseDuration(flag, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, value, err)
	}
	return d, nil
}

// resolveEndpoint returns the configured endpoint, or a fresh client URL on
// the configured server.
func resolveEndpoint(cc config.ClientConfig) string {
	if cc.Endpoint != "" {
		return cc.Endpoint
	}
	return strings.TrimSuffix(cc.ServerURL, "/") + "/sse/" + uuid.NewString()
}

func newTailClient(cc config.ClientConfig, p *printer, log *zap.Logger) (*stream.Client, error) {
	connector := stream.NewHTTPConnector(nil, log)
	for k, v := range cc.Headers {
		connector = connector.WithHeader(k, v)
	}

	return stream.NewClient(stream.Config{
		Endpoint:       resolveEndpoint(cc),
		InitialBackoff: cc.InitialBackoff,
		BackoffStep:    cc.BackoffStep,
		MaxBackoff:     cc.MaxBackoff,
		OnMessage:      p.onMessage,
		OnError:        p.onError,
	}, stream.WithLogger(log), stream.WithConnector(connector))
}

// printer renders stream callbacks as lines of text.
type printer struct {
	ctx   context.Context
	out   io.Writer
	clock clock.Clock
	raw   bool

	mu        sync.Mutex
	countdown context.CancelFunc
	wg        sync.WaitGroup
}

func newPrinter(ctx context.Context, out io.Writer, clk clock.Clock, raw bool) *printer {
	return &printer{ctx: ctx, out: out, clock: clk, raw: raw}
}

func (p *printer) onMessage(payload string) {
	p.stopCountdown()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.raw {
		fmt.Fprintln(p.out, payload)
		return
	}
	update, err := feed.ParsePayload(payload)
	if err != nil {
		fmt.Fprintf(p.out, "message: %s\n", payload)
		return
	}
	fmt.Fprintf(p.out, "%s  active clients: %d\n", update.Time.Local().Format(time.DateTime), update.Active)
}

func (p *printer) onError(err error, st stream.BackoffState) {
	p.stopCountdown()

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "SSE failed: %v\n", err)
	if !st.RetryPending {
		fmt.Fprintln(p.out, "automatic retry is disabled")
		return
	}
	fmt.Fprintf(p.out, "attempting reconnect in %s (failures: %d)\n", feed.FormatBackoff(st.CurrentBackoff, 2), st.Failures)

	ctx, cancel := context.WithCancel(p.ctx)
	p.countdown = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		feed.RunCountdown(ctx, p.clock, st.CurrentBackoff, func(label string) {
			p.mu.Lock()
			defer p.mu.Unlock()
			fmt.Fprintf(p.out, "  reconnect in %s\n", label)
		})
	}()
}

// stopCountdown cancels a running countdown and waits for it to finish.
func (p *printer) stopCountdown() {
	p.mu.Lock()
	cancel := p.countdown
	p.countdown = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
