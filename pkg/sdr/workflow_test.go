package sdr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calm329/SDR-Agent/pkg/config"
	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/planner"
	"github.com/calm329/SDR-Agent/pkg/units"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

type fakeTools struct {
	mu       sync.Mutex
	startErr error
	exitErr  error
	starts   int
	stops    int
	handle   func(name string, args map[string]any) (string, error)
}

func (f *fakeTools) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr == nil {
		f.exitErr = nil
	}
	return f.startErr
}

func (f *fakeTools) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTools) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *fakeTools) HasTool(name string) bool {
	return name == units.ToolSearch || name == units.ToolScrapeMarkdown
}

func (f *fakeTools) CallToolText(_ context.Context, name string, args map[string]any) (string, error) {
	if f.handle == nil {
		return "", sdrerrors.New(sdrerrors.CodeTransport, "no handler", nil)
	}
	return f.handle(name, args)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Tools.RateLimit = ""
	cfg.Retry.MaxAttempts = 1
	cfg.Audit.Enabled = false
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorkflow(t *testing.T, cfg *config.Config, opts ...Option) *Workflow {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	w, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func TestRunCompanyResearch(t *testing.T) {
	tools := &fakeTools{handle: func(name string, args map[string]any) (string, error) {
		switch name {
		case units.ToolSearch:
			return "1. [Acme - Rockets](https://www.acme.com/about) - Acme builds reusable rockets. Founded in 2001.", nil
		case units.ToolScrapeMarkdown:
			return "Acme designs reusable rockets for commercial payloads and runs on Kubernetes.", nil
		}
		return "", sdrerrors.New(sdrerrors.CodeInvalidInput, "unknown tool", nil)
	}}
	w := newTestWorkflow(t, testConfig(t), WithToolService(tools))

	out, err := w.Run(context.Background(), "Tell me about Acme")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.RunID == "" || out.Workspace.RunID != out.RunID {
		t.Fatalf("missing run id: %+v", out)
	}
	if !slices.Equal(out.Request.Units, []string{units.CompanyResearch}) {
		t.Fatalf("units = %v", out.Request.Units)
	}
	data, ok := out.Report.Data[units.CompanyResearch]
	if !ok || data["name"] != "Acme" {
		t.Fatalf("company research missing from report: %+v", out.Report)
	}
	if len(out.Citations) == 0 {
		t.Fatal("expected citations")
	}
	if !strings.Contains(out.Output, "Company Research") || !strings.Contains(out.Output, "Sources:") {
		t.Fatalf("unexpected text output:\n%s", out.Output)
	}
	if tools.starts != 1 {
		t.Fatalf("tool server started %d times", tools.starts)
	}

	if _, err := w.Run(context.Background(), "Tell me about Acme"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if tools.starts != 1 {
		t.Fatalf("tool server should start once, started %d times", tools.starts)
	}
}

func TestRunFullWorkflowWithInvoker(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	invoke := func(_ context.Context, unit string, snapshot *workspace.Workspace) (workspace.Delta, error) {
		mu.Lock()
		seen = append(seen, unit)
		mu.Unlock()
		if unit == units.OutreachPersonalization {
			if _, ok := snapshot.Result(units.ContactDiscovery); !ok {
				t.Errorf("outreach ran before contact discovery")
			}
		}
		if unit == units.LeadQualification {
			return workspace.Delta{}, errors.New("scoring backend down")
		}
		return workspace.ResultDelta(workspace.NewResult(unit, map[string]any{"unit": unit},
			[]string{"https://example.com/" + unit})), nil
	}
	store := planner.NewMemoryAuditStore()
	w := newTestWorkflow(t, testConfig(t),
		WithToolService(&fakeTools{}),
		WithInvoker(invoke),
		WithAuditStore(store))

	out, err := w.Run(context.Background(), "Find the CTO at Stripe and tell me about the company")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Plan.Phases) != 2 {
		t.Fatalf("plan = %v", out.Plan)
	}
	if out.Request.Company != "Stripe" || out.Request.Role != "CTO" {
		t.Fatalf("request = %+v", out.Request)
	}
	if len(seen) != 4 {
		t.Fatalf("invoked %v", seen)
	}
	if len(out.Report.Data) != 3 {
		t.Fatalf("report data = %v", out.Report.Data)
	}
	if len(out.Errors) != 1 || !strings.HasPrefix(out.Errors[0], units.LeadQualification+" error:") {
		t.Fatalf("errors = %v", out.Errors)
	}
	events, err := store.List(context.Background(), planner.AuditFilter{RunID: out.RunID})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected audit events for the run")
	}
}

func TestRunJSONFormat(t *testing.T) {
	invoke := func(_ context.Context, unit string, _ *workspace.Workspace) (workspace.Delta, error) {
		return workspace.ResultDelta(workspace.NewResult(unit, map[string]any{
			"name":           "Acme",
			"employee_count": 250,
		}, nil)), nil
	}
	w := newTestWorkflow(t, testConfig(t), WithToolService(&fakeTools{}), WithInvoker(invoke))

	query := `{"query": "Tell me about Acme", "format": "json", "fields": {"company_name": "string", "employee_count": "integer"}}`
	out, err := w.Run(context.Background(), query)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out.Output), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.Output)
	}
	if got["company_name"] != "Acme" || got["employee_count"] != float64(250) {
		t.Fatalf("unexpected output %v", got)
	}
}

func TestRunDeadline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Deadline = 50 * time.Millisecond
	invoke := func(ctx context.Context, unit string, _ *workspace.Workspace) (workspace.Delta, error) {
		select {
		case <-ctx.Done():
			return workspace.Delta{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return workspace.ResultDelta(workspace.NewResult(unit, nil, nil)), nil
		}
	}
	w := newTestWorkflow(t, cfg, WithToolService(&fakeTools{}), WithInvoker(invoke))

	started := time.Now()
	out, err := w.Run(context.Background(), "Tell me about Acme")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("run ignored its deadline: %s", time.Since(started))
	}
	if !out.TimedOut {
		t.Fatalf("expected a timed out run: %+v", out.Errors)
	}
	if !strings.Contains(strings.Join(out.Errors, "\n"), planner.TimeoutMessage) {
		t.Fatalf("errors = %v", out.Errors)
	}
}

func TestRunRestartsDeadToolServer(t *testing.T) {
	invoke := func(_ context.Context, unit string, _ *workspace.Workspace) (workspace.Delta, error) {
		return workspace.ResultDelta(workspace.NewResult(unit, map[string]any{"name": "Acme"}, nil)), nil
	}
	tools := &fakeTools{}
	w := newTestWorkflow(t, testConfig(t), WithToolService(tools), WithInvoker(invoke))

	if _, err := w.Run(context.Background(), "Tell me about Acme"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	tools.mu.Lock()
	tools.exitErr = sdrerrors.New(sdrerrors.CodeProcess, "child process exited", nil)
	tools.mu.Unlock()

	if _, err := w.Run(context.Background(), "Tell me about Acme"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if tools.starts != 2 || tools.stops != 1 {
		t.Fatalf("starts=%d stops=%d, want a single restart", tools.starts, tools.stops)
	}
	if tools.Err() != nil {
		t.Fatal("restarted service still reports an exit error")
	}

	if _, err := w.Run(context.Background(), "Tell me about Acme"); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if tools.starts != 2 {
		t.Fatalf("healthy service restarted, starts=%d", tools.starts)
	}
}

func TestRunKeepsOutcomeWhenRenderingFails(t *testing.T) {
	invoke := func(_ context.Context, unit string, _ *workspace.Workspace) (workspace.Delta, error) {
		return workspace.ResultDelta(workspace.NewResult(unit, map[string]any{"score": math.NaN()},
			[]string{"https://acme.com"})), nil
	}
	w := newTestWorkflow(t, testConfig(t), WithToolService(&fakeTools{}), WithInvoker(invoke))

	out, err := w.Run(context.Background(), `{"query": "Tell me about Acme", "format": "json"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Workspace == nil {
		t.Fatal("workspace was discarded")
	}
	if _, ok := out.Workspace.Result(units.CompanyResearch); !ok {
		t.Fatal("completed result missing from workspace")
	}
	if len(out.Errors) == 0 || !strings.HasPrefix(out.Errors[len(out.Errors)-1], "report error:") {
		t.Fatalf("errors = %v", out.Errors)
	}
	if len(out.Report.Errors) != 0 {
		t.Fatalf("report errors were modified: %v", out.Report.Errors)
	}
}

func TestRunStartFailure(t *testing.T) {
	tools := &fakeTools{startErr: sdrerrors.New(sdrerrors.CodeProcess, "spawn failed", nil)}
	w := newTestWorkflow(t, testConfig(t), WithToolService(tools))
	_, err := w.Run(context.Background(), "Tell me about Acme")
	if !sdrerrors.IsCode(err, sdrerrors.CodeProcess) {
		t.Fatalf("expected PROCESS_ERROR, got %v", err)
	}
}

func TestPlan(t *testing.T) {
	w := newTestWorkflow(t, testConfig(t), WithToolService(&fakeTools{}))
	req, plan, err := w.Plan("Is Acme a good fit?")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if req.Company != "Acme" {
		t.Fatalf("company = %q", req.Company)
	}
	want := []planner.Phase{{units.CompanyResearch}, {units.LeadQualification}}
	if len(plan.Phases) != len(want) {
		t.Fatalf("plan = %v", plan)
	}
	for i := range want {
		if !slices.Equal(plan.Phases[i], want[i]) {
			t.Fatalf("phase %d = %v", i, plan.Phases[i])
		}
	}
	if !slices.Equal(w.Units(), []string{
		units.CompanyResearch, units.ContactDiscovery, units.LeadQualification, units.OutreachPersonalization,
	}) {
		t.Fatalf("units = %v", w.Units())
	}
}

func TestNewRejectsBadRate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.RateLimit = "lots"
	if _, err := New(cfg, WithToolService(&fakeTools{}), WithLogger(quietLogger())); !sdrerrors.IsCode(err, sdrerrors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected an error for a nil configuration")
	}
}

func TestTransportConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.APIToken = "secret"
	cfg.Transport.Env = map[string]string{"SERP_ZONE": "custom"}

	tc := TransportConfig(cfg)
	if tc.Command != "npx" || tc.MaxInFlight != 3 {
		t.Fatalf("unexpected transport config %+v", tc)
	}
	if tc.Env["API_TOKEN"] != "secret" || tc.Env["WEB_UNLOCKER_ZONE"] != "web_unlocker1" || tc.Env["BROWSER_ZONE"] != "scraping_browser3" {
		t.Fatalf("env = %v", tc.Env)
	}
	if tc.Env["SERP_ZONE"] != "custom" {
		t.Fatalf("explicit env should win, got %q", tc.Env["SERP_ZONE"])
	}
	cfg.Transport.Args[0] = "changed"
	if tc.Args[0] == "changed" {
		t.Fatal("args should be copied")
	}
}

func TestToolFilterFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Deny = []string{"scraping_browser_*"}
	filter := ToolFilter(cfg)
	if filter.Allowed(units.ToolBrowserNavigate) || !filter.Allowed(units.ToolSearch) {
		t.Fatal("deny patterns from the configuration were not applied")
	}
}
