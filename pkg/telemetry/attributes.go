// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans and metrics.
const (
	// Run
	AttrRunID     = "sdr.run_id"
	AttrQuery     = "sdr.query"
	AttrRequested = "sdr.requested_units"
	AttrTimedOut  = "sdr.timed_out"
	AttrErrors    = "sdr.error_count"

	// Plan and executor
	AttrPlanPhases     = "sdr.plan.phases"
	AttrPhase          = "sdr.phase"
	AttrPhaseUnits     = "sdr.units"
	AttrUnit           = "sdr.unit"
	AttrUnitStatus     = "sdr.unit.status"
	AttrUnitsCompleted = "sdr.units.completed"

	// Transport
	AttrRPCMethod  = "rpc.method"
	AttrRPCID      = "rpc.jsonrpc.request_id"
	AttrRPCOutcome = "sdr.transport.outcome"
	AttrChildPID   = "process.pid"

	// Tools
	AttrToolName     = "sdr.tool.name"
	AttrToolStrategy = "sdr.tool.strategy"
	AttrToolArgs     = "sdr.tool.arguments"

	// Errors and resilience
	AttrErrorCode    = "error.code"
	AttrComponent    = "sdr.component"
	AttrBreakerName  = "sdr.breaker.name"
	AttrBreakerState = "sdr.breaker.state"
)

// RunAttributes describes a workflow run.
func RunAttributes(runID string, requested []string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrRunID, runID)}
	if len(requested) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrRequested, requested))
	}
	return attrs
}

// RunResultAttributes summarizes a finished run.
func RunResultAttributes(completed, errCount int, timedOut bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrUnitsCompleted, completed),
		attribute.Int(AttrErrors, errCount),
		attribute.Bool(AttrTimedOut, timedOut),
	}
}

// PhaseAttributes describes one executor phase.
func PhaseAttributes(phase int, units []string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrPhase, phase),
		attribute.StringSlice(AttrPhaseUnits, units),
	}
}

// UnitAttributes describes one unit invocation. An empty status is omitted.
func UnitAttributes(unit, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrUnit, unit)}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrUnitStatus, status))
	}
	return attrs
}

// CallAttributes describes a JSON-RPC request.
func CallAttributes(method string, id int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRPCMethod, method),
		attribute.Int64(AttrRPCID, id),
	}
}

// ToolAttributes describes a tool call. Arguments are truncated to maxLen
// bytes, 256 when maxLen is not positive.
func ToolAttributes(name, strategy, args string, maxLen int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrToolName, name)}
	if strategy != "" {
		attrs = append(attrs, attribute.String(AttrToolStrategy, strategy))
	}
	if args != "" {
		attrs = append(attrs, attribute.String(AttrToolArgs, Truncate(args, maxLen)))
	}
	return attrs
}

// Truncate cuts s to maxLen bytes and marks the cut with "...".
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 256
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
