package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/calm329/SDR-Agent/pkg/config"
	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/planner"
	"github.com/calm329/SDR-Agent/pkg/router"
	"github.com/calm329/SDR-Agent/pkg/sdr"
)

func runQuery(ctx context.Context, global globalFlags, cfg *config.Config, logger *slog.Logger, args []string) error {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	inputFile := cmd.String("input-file", "", "Read the query from a file (- for stdin)")
	outputFile := cmd.String("output-file", "", "Write the answer to a file instead of stdout")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("run", err.Error())
	}

	query, err := readQuery(*inputFile, cmd.Args(), os.Stdin)
	if err != nil {
		return err
	}

	wf, err := sdr.New(cfg, sdr.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := wf.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("shutdown failed", slog.String("error", err.Error()))
		}
	}()

	out, err := wf.Run(ctx, query)
	if err != nil {
		return err
	}

	w := io.Writer(os.Stdout)
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			return sdrerrors.New(sdrerrors.CodeInvalidInput, "cannot create output file", err).
				WithContext("path", *outputFile)
		}
		defer f.Close()
		w = f
	}
	if global.JSON {
		return printJSON(w, out)
	}
	_, err = io.WriteString(w, out.Output)
	if err == nil && *outputFile != "" {
		fmt.Fprintf(os.Stderr, "Results saved to %s\n", *outputFile)
	}
	return err
}

// readQuery takes the query from path, "-" meaning in, or from the
// remaining arguments.
func readQuery(path string, args []string, in io.Reader) (string, error) {
	var query string
	switch path {
	case "":
		query = strings.Join(args, " ")
	case "-":
		b, err := io.ReadAll(in)
		if err != nil {
			return "", sdrerrors.New(sdrerrors.CodeInvalidInput, "read query from stdin", err)
		}
		query = string(b)
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return "", sdrerrors.New(sdrerrors.CodeInvalidInput, "read query file", err).
				WithContext("path", path)
		}
		query = string(b)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", NewInvalidArgumentError("query", "a query or --input-file is required")
	}
	return query, nil
}

func runPlan(global globalFlags, args []string) error {
	cmd := flag.NewFlagSet("plan", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	unitList := cmd.String("units", "", "Comma separated units to plan instead of routing a query")
	depsFile := cmd.String("deps", "", "YAML or JSON dependency table to plan against")
	format := cmd.String("format", "text", "Output format: text, json or yaml")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("plan", err.Error())
	}
	if global.JSON {
		*format = "json"
	}
	return printPlan(os.Stdout, *unitList, *depsFile, *format, strings.Join(cmd.Args(), " "))
}

func printPlan(w io.Writer, unitList, depsFile, format, query string) error {
	deps := router.Dependencies()
	var opts []planner.BuildOption
	if depsFile != "" {
		file, err := planner.LoadDependencies(depsFile)
		if err != nil {
			return sdrerrors.New(sdrerrors.CodeInvalidInput, "cannot load dependency table", err).
				WithContext("path", depsFile)
		}
		deps = file.Dependencies
		opts = append(opts, planner.WithKnownUnits(file.KnownUnits()...))
	}

	requested := splitList(unitList)
	var route *router.Request
	if len(requested) == 0 {
		if strings.TrimSpace(query) == "" {
			return NewInvalidArgumentError("plan", "a query or --units is required")
		}
		req := router.Route(query)
		route = &req
		requested = req.Units
	}

	plan, err := planner.Build(requested, deps, opts...)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "json":
		b, err := planner.MarshalJSON(plan, true)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml", "yml":
		b, err := planner.MarshalYAML(plan)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "text", "":
	default:
		return NewInvalidArgumentError("format", fmt.Sprintf("unknown plan format %q", format))
	}

	if route != nil {
		fmt.Fprintf(w, "Route: %s\n", route.String())
	}
	for i, phase := range plan.Phases {
		fmt.Fprintf(w, "Phase %d: %s\n", i+1, strings.Join(phase, ", "))
	}
	return nil
}
