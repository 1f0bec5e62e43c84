// Copyright 2026 © The SDR Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package sdr wires routing, planning, execution, the tool server and
// reporting into a single request workflow.
package sdr

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/calm329/SDR-Agent/pkg/config"
	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/governance"
	"github.com/calm329/SDR-Agent/pkg/planner"
	"github.com/calm329/SDR-Agent/pkg/report"
	"github.com/calm329/SDR-Agent/pkg/resilience"
	"github.com/calm329/SDR-Agent/pkg/router"
	"github.com/calm329/SDR-Agent/pkg/telemetry"
	"github.com/calm329/SDR-Agent/pkg/transport"
	"github.com/calm329/SDR-Agent/pkg/units"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// ToolService is the tool server as the workflow sees it. *transport.Client
// satisfies it.
type ToolService interface {
	units.ToolClient
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Err reports why a started service died, or nil while it is usable.
	Err() error
}

// Outcome is the result of one request.
type Outcome struct {
	RunID     string               `json:"run_id"`
	Request   router.Request       `json:"request"`
	Plan      *planner.Plan        `json:"plan"`
	Workspace *workspace.Workspace `json:"-"`
	Report    *report.Report       `json:"report"`
	// Output is the report rendered in the requested format.
	Output    string        `json:"output"`
	Citations []string      `json:"citations"`
	Errors    []string      `json:"errors,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Option customizes a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithToolService replaces the tool server child process.
func WithToolService(svc ToolService) Option {
	return func(w *Workflow) {
		w.tools = svc
	}
}

// WithInvoker bypasses the unit registry.
func WithInvoker(invoke planner.Invoker) Option {
	return func(w *Workflow) {
		w.invoke = invoke
	}
}

// WithMetrics sets the metrics sink. By default metrics go to the global
// meter provider.
func WithMetrics(m *telemetry.RunMetrics) Option {
	return func(w *Workflow) {
		w.metrics = m
	}
}

// WithAuditStore records unit transitions in store instead of the SQLite
// file named by the configuration.
func WithAuditStore(store planner.AuditStore) Option {
	return func(w *Workflow) {
		w.audit = store
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// Workflow serves SDR requests. It is safe for concurrent use; concurrent
// requests share the tool server, its rate limit and its circuit breaker.
type Workflow struct {
	cfg      *config.Config
	logger   *slog.Logger
	tools    ToolService
	metrics  *telemetry.RunMetrics
	audit    planner.AuditStore
	auditDB  *sql.DB
	registry *units.Registry
	invoke   planner.Invoker
	executor *planner.Executor
	breaker  *resilience.CircuitBreaker
	now      func() time.Time
	tracer   trace.Tracer

	startMu sync.Mutex
	started bool
}

// New builds a workflow from cfg. The tool server is started lazily by the
// first Run.
func New(cfg *config.Config, opts ...Option) (*Workflow, error) {
	if cfg == nil {
		return nil, sdrerrors.New(sdrerrors.CodeInvalidInput, "nil configuration", nil)
	}
	w := &Workflow{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		tracer: otel.Tracer("sdr/workflow"),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.metrics == nil {
		m, err := telemetry.NewRunMetrics()
		if err != nil {
			return nil, err
		}
		w.metrics = m
	}
	if w.tools == nil {
		w.tools = transport.New(TransportConfig(cfg),
			transport.WithLogger(w.logger),
			transport.WithObserver(w.metrics))
	}
	if w.audit == nil && cfg.Audit.Enabled {
		store, db, err := planner.OpenSQLiteAuditStore(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		w.audit, w.auditDB = store, db
	}

	caller, err := w.newCaller()
	if err != nil {
		return nil, err
	}
	w.registry = units.Default(caller)
	if w.invoke == nil {
		w.invoke = w.registry.Invoker()
	}

	w.executor = planner.NewExecutor(
		planner.WithUnitCeiling(cfg.Scheduler.UnitCeiling),
		planner.WithLogger(w.logger),
		planner.WithMetrics(w.metrics),
		planner.WithAuditStore(w.audit),
		planner.WithClock(w.now),
	)
	return w, nil
}

func (w *Workflow) newCaller() (*units.Caller, error) {
	tc := w.cfg.Tools
	count, per, err := config.ParseRate(tc.RateLimit)
	if err != nil {
		return nil, sdrerrors.New(sdrerrors.CodeInvalidInput, "invalid tool rate limit", err)
	}
	limit := rate.Inf
	if count > 0 {
		limit = rate.Every(per / time.Duration(count))
	}

	w.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "tools",
		FailureThreshold: tc.BreakerThreshold,
		Timeout:          tc.BreakerCooldown,
		IsFailure:        units.CountsAgainstBreaker,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			w.logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", string(from)),
				slog.String("to", string(to)))
			w.metrics.RecordBreakerState(context.Background(), name, string(to))
		},
	})

	rc := resilience.DefaultRetryConfig()
	if rt := w.cfg.Retry; rt.MaxAttempts > 0 {
		rc = rc.WithMaxAttempts(rt.MaxAttempts)
	}
	if d := w.cfg.Retry.InitialDelay; d > 0 {
		rc = rc.WithInitialDelay(d)
	}
	if d := w.cfg.Retry.MaxDelay; d > 0 {
		rc = rc.WithMaxDelay(d)
	}

	opts := []units.CallerOption{
		units.WithRateLimit(limit, tc.Burst),
		units.WithBreaker(w.breaker),
		units.WithRetry(rc),
		units.WithCallTimeout(tc.CallTimeout),
		units.WithCallerLogger(w.logger),
		units.WithErrorRecorder(w.metrics),
		units.WithToolFilter(ToolFilter(w.cfg)),
	}
	if len(tc.JSHeavyDomains) > 0 {
		opts = append(opts, units.WithJSHeavyDomains(tc.JSHeavyDomains))
	}
	return units.NewCaller(w.tools, opts...), nil
}

// TransportConfig maps the configuration onto the tool server child. The
// credentials and zones are passed through the child's environment.
func TransportConfig(cfg *config.Config) transport.Config {
	env := make(map[string]string, len(cfg.Transport.Env)+4)
	for k, v := range cfg.Transport.Env {
		env[k] = v
	}
	setIfEmpty := func(key, value string) {
		if _, ok := env[key]; !ok && value != "" {
			env[key] = value
		}
	}
	setIfEmpty("API_TOKEN", cfg.Tools.APIToken)
	setIfEmpty("WEB_UNLOCKER_ZONE", cfg.Tools.UnlockerZone)
	setIfEmpty("BROWSER_ZONE", cfg.Tools.BrowserZone)
	setIfEmpty("SERP_ZONE", cfg.Tools.SerpZone)

	return transport.Config{
		Command:     cfg.Transport.Command,
		Args:        append([]string(nil), cfg.Transport.Args...),
		Env:         env,
		Dir:         cfg.Transport.Dir,
		CallTimeout: cfg.Transport.CallTimeout,
		MaxInFlight: cfg.Transport.MaxInFlight,
		StopGrace:   cfg.Transport.StopGrace,
		ResyncBytes: cfg.Transport.ResyncBytes,
		ResyncWait:  cfg.Transport.ResyncWait,
	}
}

// ToolFilter builds the tool policy from tools.allow and tools.deny.
func ToolFilter(cfg *config.Config) *governance.ToolFilter {
	return governance.NewToolFilter(
		governance.WithAllowlist(cfg.Tools.Allow),
		governance.WithDenylist(cfg.Tools.Deny),
	)
}

// Units lists the registered unit names.
func (w *Workflow) Units() []string {
	return w.registry.Names()
}

// Plan routes query and returns the request and its plan without running
// anything.
func (w *Workflow) Plan(query string) (router.Request, *planner.Plan, error) {
	req := router.Route(query)
	plan, err := planner.Build(req.Units, router.Dependencies(), planner.WithKnownUnits(w.registry.Names()...))
	if err != nil {
		return req, nil, err
	}
	return req, plan, nil
}

// Start launches the tool server if it is not running yet. A server that
// died since the last run is stopped and started again.
func (w *Workflow) Start(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		exitErr := w.tools.Err()
		if exitErr == nil {
			return nil
		}
		w.logger.Warn("tool server died, restarting", slog.String("error", exitErr.Error()))
		w.started = false
		if err := w.tools.Stop(ctx); err != nil {
			w.logger.Warn("tool server stop failed", slog.String("error", err.Error()))
		}
	}
	if err := w.tools.Start(ctx); err != nil {
		return err
	}
	w.started = true
	return nil
}

// Run answers one request. Planning and tool server start failures are
// returned as errors; unit failures, timeouts and report rendering
// failures only show up in the outcome.
func (w *Workflow) Run(ctx context.Context, query string) (*Outcome, error) {
	started := w.now()
	runID := uuid.NewString()

	ctx, span := w.tracer.Start(ctx, "Workflow.Run")
	defer span.End()
	logger := w.logger.With(slog.String("run_id", runID))

	req, plan, err := w.Plan(query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	logger.Info("request routed", slog.String("route", req.String()), slog.String("plan", plan.String()))

	if err := w.Start(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	deadline := time.Time{}
	if d := w.cfg.Scheduler.Deadline; d > 0 {
		deadline = started.Add(d)
	}
	ws := workspace.New(req.Units, deadline, req.Inputs())
	ws.RunID = runID
	ws = w.executor.Run(ctx, plan, ws, w.invoke)

	rep := report.Build(ws)
	opts := report.Options{Format: report.FormatText}
	if req.Format != nil {
		opts.Format = req.Format.Format
		opts.Fields = req.Format.Fields
	}
	errs := rep.Errors
	var buf bytes.Buffer
	if err := report.Render(&buf, rep, opts); err != nil {
		span.RecordError(err)
		logger.Error("report rendering failed", slog.String("error", err.Error()))
		buf.Reset()
		errs = append(slices.Clone(errs), "report error: "+err.Error())
	}

	out := &Outcome{
		RunID:     runID,
		Request:   req,
		Plan:      plan,
		Workspace: ws,
		Report:    rep,
		Output:    buf.String(),
		Citations: rep.Citations,
		Errors:    errs,
		TimedOut:  ws.TimedOut,
		Duration:  w.now().Sub(started),
	}
	logger.Info("request finished",
		slog.Int("completed", len(ws.CompletedUnits)),
		slog.Int("errors", len(ws.Errors)),
		slog.Bool("timed_out", ws.TimedOut),
		slog.Duration("duration", out.Duration))
	return out, nil
}

// Close stops the tool server and closes the audit database.
func (w *Workflow) Close(ctx context.Context) error {
	var errs []error
	if err := w.tools.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if w.auditDB != nil {
		if err := w.auditDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.startMu.Lock()
	w.started = false
	w.startMu.Unlock()
	return errors.Join(errs...)
}
