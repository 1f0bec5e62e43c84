// Copyright 2026 © The SDR Agent Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// CLIError wraps a typed error with a hint for the operator.
type CLIError struct {
	Err  *sdrerrors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(err *sdrerrors.Error, hint string) *CLIError {
	return &CLIError{Err: err, Hint: hint}
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the typed error.
func (e *CLIError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// NewInvalidArgumentError reports a bad command line.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	te := sdrerrors.New(sdrerrors.CodeInvalidInput, "invalid argument: "+reason, nil).
		WithContext("argument", arg)
	return NewCLIError(te, "run 'sdr help' for usage information")
}

// NewConfigError reports a configuration that could not be loaded.
func NewConfigError(err error, configPath string) *CLIError {
	te := sdrerrors.New(sdrerrors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check the SDR_ environment variables and --set overrides"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(te, hint)
}

// hintFor suggests a next step for a typed error coming out of a command.
func hintFor(code sdrerrors.ErrorCode) string {
	switch code {
	case sdrerrors.CodeProcess:
		return "check transport.command and that the tool server can be installed (npx must be on PATH)"
	case sdrerrors.CodeTransport, sdrerrors.CodeProtocol:
		return "the tool server misbehaved; rerun with --set log.level=debug to see its stderr"
	case sdrerrors.CodeTimeout:
		return "raise scheduler.deadline or tools.call_timeout"
	case sdrerrors.CodePlanning:
		return "check the dependency table for cycles and unknown units"
	case sdrerrors.CodeInvalidInput:
		return "run 'sdr help' for usage information"
	default:
		return ""
	}
}

// asCLIError attaches a hint to err.
func asCLIError(err error) *CLIError {
	var ce *CLIError
	if errors.As(err, &ce) {
		return ce
	}
	te := sdrerrors.Wrap(err)
	return NewCLIError(te, hintFor(te.Code))
}

func printError(w io.Writer, err error, asJSON bool) {
	ce := asCLIError(err)
	if ce.Err == nil {
		fmt.Fprintln(w, "Error:", err)
		return
	}
	if asJSON {
		payload := map[string]any{
			"code":    ce.Err.Code,
			"message": errorMessage(ce.Err),
		}
		if ce.Hint != "" {
			payload["hint"] = ce.Hint
		}
		b, _ := json.Marshal(map[string]any{"error": payload})
		fmt.Fprintln(w, string(b))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", ce.Err.Code, errorMessage(ce.Err))
	if ce.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", ce.Hint)
	}
}

// errorMessage is the message without the code prefix.
func errorMessage(te *sdrerrors.Error) string {
	if te.Err != nil {
		return te.Message + ": " + te.Err.Error()
	}
	return te.Message
}

func fatal(err error, asJSON bool) {
	printError(os.Stderr, err, asJSON)
	os.Exit(1)
}
