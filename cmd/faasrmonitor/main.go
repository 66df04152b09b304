// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/faasr-go/monitor/internal/cli"
	"github.com/faasr-go/monitor/internal/telemetry/metrics"
)

// Version information (injected via ldflags at build time).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cli.SetVersion(version, commit)

	metricsAddr := os.Getenv("FAASR_METRICS_ADDR")
	var provider *metrics.Provider
	if metricsAddr != "" {
		p, err := metrics.NewProvider(version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "metrics: failed to initialize, continuing without it: %v\n", err)
		} else {
			provider = p
			srv := &http.Server{Addr: metricsAddr, Handler: provider.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "metrics: server stopped: %v\n", err)
				}
			}()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
				_ = provider.Shutdown(ctx)
			}()
		}
	}

	if provider != nil {
		cli.SetMetricsCollector(provider.Collector)
	}
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
