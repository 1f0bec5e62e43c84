package units

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/resilience"
	"github.com/calm329/SDR-Agent/pkg/workspace"
)

// fakeClient answers tool calls from a handler and records them.
type fakeClient struct {
	mu     sync.Mutex
	tools  map[string]bool
	handle func(name string, args map[string]any) (string, error)
	calls  []string
}

func (f *fakeClient) CallToolText(_ context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+argString(args))
	f.mu.Unlock()
	if f.handle == nil {
		return "", nil
	}
	return f.handle(name, args)
}

func (f *fakeClient) HasTool(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools[name]
}

func (f *fakeClient) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func argString(args map[string]any) string {
	if q, ok := args["query"].(string); ok {
		return q
	}
	if u, ok := args["url"].(string); ok {
		return u
	}
	return ""
}

func toolFailure(name string) error {
	return sdrerrors.New(sdrerrors.CodeTransport, "tool "+name+" returned error", nil)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCaller makes single-attempt calls with no rate limit.
func testCaller(client ToolClient, opts ...CallerOption) *Caller {
	base := []CallerOption{
		WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(1)),
		WithCallTimeout(2 * time.Second),
		WithCallerLogger(quietLogger()),
	}
	return NewCaller(client, append(base, opts...)...)
}

func snapshotWith(t *testing.T, inputs map[string]string, results ...workspace.Result) *workspace.Workspace {
	t.Helper()
	ws := workspace.New(nil, time.Now().Add(time.Minute), inputs)
	for _, res := range results {
		ws.Apply(res.Name, workspace.ResultDelta(res))
	}
	return ws.Snapshot()
}
