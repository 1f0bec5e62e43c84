// Copyright 2026 © The SDR Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Command sdr answers sales development research requests using a tool
// server child process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/calm329/SDR-Agent/pkg/config"
	"github.com/calm329/SDR-Agent/pkg/telemetry"
)

var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("flags", err.Error()), false)
	}
	if global.Help || len(args) == 0 {
		printUsage(os.Stdout)
		return
	}
	if args[0] == "version" {
		fmt.Println(version)
		return
	}
	if args[0] == "help" {
		printUsage(os.Stdout)
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(NewConfigError(err, configPath(global.ConfigArgs)), global.JSON)
	}
	if err := cfg.Validate(); err != nil {
		fatal(NewConfigError(err, configPath(global.ConfigArgs)), global.JSON)
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("sdr-agent", version, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		OTLPTimeout:    cfg.Telemetry.OTLPTimeout,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		fatal(NewConfigError(err, configPath(global.ConfigArgs)), global.JSON)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	switch args[0] {
	case "run":
		err = runQuery(ctx, global, cfg, logger, args[1:])
	case "plan":
		err = runPlan(global, args[1:])
	case "tools":
		err = runTools(ctx, global, cfg, logger, args[1:])
	case "audit":
		err = runAudit(ctx, global, cfg, args[1:])
	default:
		err = NewInvalidArgumentError("command", fmt.Sprintf("unknown command %q", args[0]))
	}
	if err != nil {
		// Exit through fatal only after telemetry has flushed.
		if serr := shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", serr.Error()))
		}
		fatal(err, global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config" || arg == "--set" || arg == "--profile":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config="), strings.HasPrefix(arg, "--set="), strings.HasPrefix(arg, "--profile="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

// configPath returns the --config value from args for error hints.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `SDR Agent CLI

Usage:
  sdr [global flags] <command> [args]

Global flags:
  --config <path>      Path to a YAML or JSON config file
  --profile <name>     Config overlay, e.g. dev loads config.dev.yaml
  --set key=value      Override config (repeatable)
  --json               JSON output

Commands:
  run [--input-file <path>] [--output-file <path>] [<query>...]
  plan [--units a,b] [--deps <file>] [--format text|json|yaml] [<query>...]
  tools
  audit [--run <id>] [--unit <name>] [--status <status>] [--limit N]
  version`)
}

func printJSON(w io.Writer, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return "-"
	}
	return value
}

func truncateMessage(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
