package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/telemetry"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// DefaultUnitCeiling bounds how long a single phase may wait on its units.
const DefaultUnitCeiling = 60 * time.Second

// TimeoutMessage prefixes the error recorded when a phase outlives its budget.
const TimeoutMessage = "Agent execution timeout"

// Invoker runs one unit against a private snapshot of the workspace and
// returns the delta to merge. Implementations must not retain snapshot.
type Invoker func(ctx context.Context, unit string, snapshot *workspace.Workspace) (workspace.Delta, error)

// Metrics receives executor measurements.
type Metrics interface {
	RecordUnit(ctx context.Context, unit, status string, elapsed time.Duration)
	RecordPhase(ctx context.Context, phase, units int, elapsed time.Duration)
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithUnitCeiling overrides the per-phase wait ceiling.
func WithUnitCeiling(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.unitCeiling = d
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithAuditHook registers a callback invoked for every unit transition.
func WithAuditHook(hook func(context.Context, AuditEvent)) ExecutorOption {
	return func(e *Executor) {
		e.auditHook = hook
	}
}

// WithAuditStore records unit transitions in store. Store failures are logged.
func WithAuditStore(store AuditStore) ExecutorOption {
	return func(e *Executor) {
		if store == nil {
			return
		}
		e.auditHook = StoreHook(store, func(err error) {
			e.logger.Warn("audit record failed", slog.String("error", err.Error()))
		})
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor runs a plan phase by phase against a workspace it exclusively owns.
type Executor struct {
	unitCeiling time.Duration
	logger      *slog.Logger
	metrics     Metrics
	auditHook   func(context.Context, AuditEvent)
	now         func() time.Time
	tracer      trace.Tracer
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		unitCeiling: DefaultUnitCeiling,
		logger:      slog.Default(),
		now:         time.Now,
		tracer:      otel.Tracer("sdr/planner"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type unitOutcome struct {
	unit     string
	delta    workspace.Delta
	err      error
	started  time.Time
	finished time.Time
}

// Run drives plan to completion or until the workspace deadline passes. It
// always returns ws; unit failures are recorded in it rather than returned.
// Units dispatched in a phase that times out are marked completed without a
// result and their goroutines are abandoned.
func (e *Executor) Run(ctx context.Context, plan *Plan, ws *workspace.Workspace, invoke Invoker) *workspace.Workspace {
	if ws == nil {
		ws = workspace.New(plan.Units(), time.Time{}, nil)
	}
	ctx, span := e.tracer.Start(ctx, "Executor.Run",
		trace.WithAttributes(
			attribute.String(telemetry.AttrRunID, ws.RunID),
			attribute.Int(telemetry.AttrPlanPhases, len(planPhases(plan))),
		),
	)
	defer span.End()

	if invoke == nil {
		ws.RecordError("executor: no unit invoker configured")
		return ws
	}

	for {
		runnable := NextRunnable(plan, ws.CompletedSet())
		if len(runnable) == 0 {
			break
		}
		now := e.now()
		if ws.Expired(now) {
			ws.TimedOut = true
			ws.RecordError("%s: deadline reached, skipped %s", TimeoutMessage, strings.Join(runnable, ", "))
			span.SetStatus(codes.Error, "deadline exceeded")
			e.logger.WarnContext(ctx, "deadline reached before phase",
				slog.String("run_id", ws.RunID),
				slog.Any("skipped", runnable),
			)
			return ws
		}
		if err := ctx.Err(); err != nil {
			ws.RecordError("execution cancelled: %v", err)
			span.SetStatus(codes.Error, "cancelled")
			return ws
		}

		timeout := min(ws.Remaining(now), e.unitCeiling)
		if !e.runPhase(ctx, plan.PhaseOf(runnable[0]), runnable, ws, invoke, timeout) {
			span.SetStatus(codes.Error, "phase did not settle")
			return ws
		}
	}
	span.SetAttributes(attribute.Int(telemetry.AttrUnitsCompleted, len(ws.CompletedUnits)))
	return ws
}

// runPhase dispatches every runnable unit and merges settled outcomes. It
// reports false when the phase was cut short and the run must stop.
func (e *Executor) runPhase(ctx context.Context, phase int, runnable []string, ws *workspace.Workspace, invoke Invoker, timeout time.Duration) bool {
	started := e.now()
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	phaseCtx, span := e.tracer.Start(phaseCtx, "Executor.Phase",
		trace.WithAttributes(telemetry.PhaseAttributes(phase, runnable)...),
	)
	defer span.End()

	e.logger.InfoContext(phaseCtx, "phase started",
		slog.String("run_id", ws.RunID),
		slog.Int("phase", phase),
		slog.Any("units", runnable),
		slog.Duration("timeout", timeout),
	)

	results := make(chan unitOutcome, len(runnable))
	for _, unit := range runnable {
		snapshot := ws.Snapshot()
		e.audit(phaseCtx, AuditEvent{
			RunID:     ws.RunID,
			Unit:      unit,
			Phase:     phase,
			Status:    AuditStatusStarted,
			StartedAt: e.now(),
		})
		go func(unit string) {
			out := unitOutcome{unit: unit, started: e.now()}
			out.delta, out.err = e.invokeUnit(phaseCtx, invoke, unit, snapshot)
			out.finished = e.now()
			results <- out
		}(unit)
	}

	settled := make(map[string]bool, len(runnable))
	for len(settled) < len(runnable) {
		select {
		case out := <-results:
			settled[out.unit] = true
			e.merge(phaseCtx, phase, ws, out)
		case <-phaseCtx.Done():
			// Keep anything that finished in the same instant.
			for drained := false; !drained; {
				select {
				case out := <-results:
					settled[out.unit] = true
					e.merge(phaseCtx, phase, ws, out)
				default:
					drained = true
				}
			}
			if len(settled) == len(runnable) {
				break
			}
			e.abandon(ctx, phase, ws, runnable, settled)
			e.recordPhase(ctx, phase, len(runnable), started)
			return false
		}
	}
	e.recordPhase(ctx, phase, len(runnable), started)
	return true
}

func (e *Executor) invokeUnit(ctx context.Context, invoke Invoker, unit string, snapshot *workspace.Workspace) (delta workspace.Delta, err error) {
	ctx, span := e.tracer.Start(ctx, "Executor.Unit", trace.WithAttributes(telemetry.UnitAttributes(unit, "")...))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = sdrerrors.New(sdrerrors.CodeUnit, fmt.Sprintf("panic: %v", r), nil).WithContext("unit", unit)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return invoke(ctx, unit, snapshot)
}

func (e *Executor) merge(ctx context.Context, phase int, ws *workspace.Workspace, out unitOutcome) {
	event := AuditEvent{
		RunID:      ws.RunID,
		Unit:       out.unit,
		Phase:      phase,
		StartedAt:  out.started,
		FinishedAt: out.finished,
	}
	elapsed := out.finished.Sub(out.started)

	if out.err != nil {
		ws.RecordError("%s error: %v", out.unit, out.err)
		ws.MarkCompleted(out.unit)
		event.Status = AuditStatusFailed
		event.Error = out.err.Error()
		e.logger.WarnContext(ctx, "unit failed",
			slog.String("run_id", ws.RunID),
			slog.String("unit", out.unit),
			slog.String("error_code", string(sdrerrors.CodeOf(out.err))),
			slog.String("error", out.err.Error()),
		)
	} else {
		ws.Apply(out.unit, out.delta)
		event.Status = AuditStatusCompleted
		if res := out.delta.Result; res != nil {
			event.Output = res.Payload
			if res.Failed() {
				event.Status = AuditStatusFailed
				event.Error = res.Error
			}
		}
		e.logger.InfoContext(ctx, "unit completed",
			slog.String("run_id", ws.RunID),
			slog.String("unit", out.unit),
			slog.String("status", event.Status),
			slog.Duration("elapsed", elapsed),
		)
	}
	if e.metrics != nil {
		e.metrics.RecordUnit(ctx, out.unit, event.Status, elapsed)
	}
	e.audit(ctx, event)
}

// abandon fails open: every unsettled unit is marked completed so the run
// terminates, and the phase is reported as timed out or cancelled.
func (e *Executor) abandon(ctx context.Context, phase int, ws *workspace.Workspace, runnable []string, settled map[string]bool) {
	var pending []string
	for _, unit := range runnable {
		if !settled[unit] {
			pending = append(pending, unit)
		}
	}
	status := AuditStatusTimedOut
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		ws.RecordError("execution cancelled: %s did not finish", strings.Join(pending, ", "))
		status = AuditStatusFailed
	} else {
		ws.TimedOut = true
		ws.RecordError("%s: %s did not finish", TimeoutMessage, strings.Join(pending, ", "))
	}
	now := e.now()
	for _, unit := range pending {
		ws.MarkCompleted(unit)
		if e.metrics != nil {
			e.metrics.RecordUnit(ctx, unit, status, 0)
		}
		e.audit(ctx, AuditEvent{
			RunID:      ws.RunID,
			Unit:       unit,
			Phase:      phase,
			Status:     status,
			Error:      TimeoutMessage,
			FinishedAt: now,
		})
	}
	e.logger.WarnContext(ctx, "phase abandoned",
		slog.String("run_id", ws.RunID),
		slog.Int("phase", phase),
		slog.Any("pending", pending),
	)
}

func (e *Executor) recordPhase(ctx context.Context, phase, units int, started time.Time) {
	if e.metrics != nil {
		e.metrics.RecordPhase(ctx, phase, units, e.now().Sub(started))
	}
}

func (e *Executor) audit(ctx context.Context, event AuditEvent) {
	if e.auditHook != nil {
		e.auditHook(ctx, event)
	}
}

func planPhases(plan *Plan) []Phase {
	if plan == nil {
		return nil
	}
	return plan.Phases
}
