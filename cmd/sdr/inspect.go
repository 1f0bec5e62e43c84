package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/calm329/SDR-Agent/pkg/config"
	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/planner"
	"github.com/calm329/SDR-Agent/pkg/sdr"
	"github.com/calm329/SDR-Agent/pkg/transport"
)

type toolEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Allowed     bool   `json:"allowed"`
}

func runTools(ctx context.Context, global globalFlags, cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) > 0 {
		return NewInvalidArgumentError("tools", "tools takes no arguments")
	}
	client := transport.New(sdr.TransportConfig(cfg), transport.WithLogger(logger))
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tool server stop failed", slog.String("error", err.Error()))
		}
	}()

	info := client.ServerInfo()
	filter := sdr.ToolFilter(cfg)
	entries := make([]toolEntry, 0, len(client.Tools()))
	for _, tool := range client.Tools() {
		entries = append(entries, toolEntry{Name: tool.Name, Description: tool.Description, Allowed: filter.Allowed(tool.Name)})
	}
	if global.JSON {
		return printJSON(os.Stdout, map[string]any{
			"server":  info.Name,
			"version": info.Version,
			"tools":   entries,
		})
	}

	writer := newTabWriter(os.Stdout)
	writeRow(writer, "TOOL", "ALLOWED", "DESCRIPTION")
	for _, e := range entries {
		writeRow(writer, e.Name, strconv.FormatBool(e.Allowed), truncateMessage(e.Description, 80))
	}
	return writer.Flush()
}

func runAudit(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("audit", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	path := cmd.String("path", cfg.Audit.Path, "Audit database")
	runID := cmd.String("run", "", "Run id filter")
	unit := cmd.String("unit", "", "Unit filter")
	status := cmd.String("status", "", "Status filter (started, completed, failed, timed_out)")
	limit := cmd.Int("limit", 50, "Maximum events")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("audit", err.Error())
	}
	if _, err := os.Stat(*path); err != nil {
		te := sdrerrors.New(sdrerrors.CodeNotFound, "audit database not found", err).
			WithContext("path", *path)
		return NewCLIError(te, "enable auditing with --set audit.enabled=true and run a query first")
	}

	store, db, err := planner.OpenSQLiteAuditStore(*path)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := store.List(ctx, planner.AuditFilter{
		RunID:  *runID,
		Unit:   *unit,
		Status: *status,
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	if global.JSON {
		return printJSON(os.Stdout, events)
	}

	writer := newTabWriter(os.Stdout)
	writeRow(writer, "RUN", "UNIT", "PHASE", "STATUS", "STARTED", "FINISHED", "ERROR")
	for _, ev := range events {
		writeRow(writer,
			ev.RunID,
			ev.Unit,
			strconv.Itoa(ev.Phase),
			ev.Status,
			formatTime(ev.StartedAt),
			formatTime(ev.FinishedAt),
			truncateMessage(ev.Error, 60),
		)
	}
	return writer.Flush()
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.Local().Format(time.RFC3339)
}
