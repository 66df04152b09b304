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

// Package cli implements the faasrmonitor command: it loads a workflow
// payload, runs the monitor to completion, and reports the outcome.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/faasr-go/monitor/internal/monitor"
	"github.com/faasr-go/monitor/internal/payload"
	"github.com/faasr-go/monitor/internal/telemetry/log"
	"github.com/faasr-go/monitor/internal/telemetry/metrics"
)

// Version information, set from main via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// metricsCollector is optionally installed by main before Execute, when a
// metrics endpoint was requested. Left nil runs the monitor without
// instrumentation.
var metricsCollector *metrics.Collector

// SetVersion records build-time version information for the --version flag.
func SetVersion(v, c string) {
	version = v
	commit = c
}

// SetMetricsCollector installs the metrics collector the monitor records
// into. Call before Execute.
func SetMetricsCollector(c *metrics.Collector) {
	metricsCollector = c
}

// NewRootCommand builds the faasrmonitor command.
func NewRootCommand() *cobra.Command {
	var (
		workflowFile  string
		jsonOutput    bool
		streamLogs    bool
		checkInterval time.Duration
		pollInterval  time.Duration
		timeout       time.Duration
		debug         bool
	)

	cmd := &cobra.Command{
		Use:   "faasrmonitor",
		Short: "Monitor a FaaSr workflow invocation from its logs",
		Long: `faasrmonitor watches a FaaSr workflow invocation's object-store logs and
reports each function's observed status without any direct visibility
into the functions' execution.

It loads the workflow's payload, derives the invocation graph, polls
each function's log object on its own cadence, and blocks until every
function reaches a final state or the monitor's inactivity timeout
fires.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, runOptions{
				workflowFile:  workflowFile,
				jsonOutput:    jsonOutput,
				streamLogs:    streamLogs,
				checkInterval: checkInterval,
				pollInterval:  pollInterval,
				timeout:       timeout,
				debug:         debug,
			})
		},
	}

	cmd.Flags().StringVar(&workflowFile, "workflow-file", "", "path to the workflow payload JSON file (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit a JSON snapshot instead of a plain-text status report")
	cmd.Flags().BoolVar(&streamLogs, "stream-logs", false, "log each newly observed log entry as it's tailed")
	cmd.Flags().DurationVar(&checkInterval, "check-interval", monitor.DefaultCheckInterval, "global monitoring tick cadence")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", monitor.DefaultPollInterval, "per-function log polling cadence")
	cmd.Flags().DurationVar(&timeout, "timeout", monitor.DefaultTimeout, "inactivity budget before the monitor gives up")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("workflow-file")

	return cmd
}

type runOptions struct {
	workflowFile  string
	jsonOutput    bool
	streamLogs    bool
	checkInterval time.Duration
	pollInterval  time.Duration
	timeout       time.Duration
	debug         bool
}

func runMonitor(cmd *cobra.Command, opts runOptions) error {
	logCfg := log.FromEnv()
	if opts.debug {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)

	f, err := os.Open(opts.workflowFile)
	if err != nil {
		return NewInvalidWorkflowError("failed to open workflow file", err)
	}
	defer f.Close()

	p, err := payload.Load(f)
	if err != nil {
		return NewInvalidWorkflowError("failed to parse workflow payload", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := monitor.New(ctx, monitor.Config{
		Payload:       p,
		CheckInterval: opts.checkInterval,
		PollInterval:  opts.pollInterval,
		Timeout:       opts.timeout,
		StreamLogs:    opts.streamLogs,
		Logger:        logger,
		Metrics:       metricsCollector,
	})
	if err != nil {
		return NewInitializationError("failed to initialize monitor", err)
	}

	m.Start(ctx)
	m.Wait()

	statuses := m.GetFunctionStatuses()

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(m.Snapshot()); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), monitor.FormatStatuses(statuses))
	}

	code := monitor.ExitCode(statuses)
	switch code {
	case 0:
		return nil
	case 2:
		return &ExitError{Code: ExitWorkflowTimeout, Message: "one or more functions timed out"}
	default:
		return &ExitError{Code: ExitWorkflowFailed, Message: "one or more functions failed or were skipped"}
	}
}
