package units

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/governance"
	"github.com/calm329/SDR-Agent/pkg/resilience"
	"github.com/calm329/SDR-Agent/pkg/telemetry"
)

// Tool names advertised by the research tool server.
const (
	ToolSearch          = "search_engine"
	ToolScrapeMarkdown  = "scrape_as_markdown"
	ToolBrowserNavigate = "scraping_browser_navigate"
	ToolBrowserText     = "scraping_browser_get_text"
)

// Scrape strategies, in the order they are tried.
const (
	MethodBrowser        = "browser"
	MethodScrapeMarkdown = "scrape_as_markdown"
	MethodSearchFallback = "search_fallback"
)

// DefaultJSHeavyDomains are applicant tracking systems that only render
// with a real browser.
var DefaultJSHeavyDomains = []string{
	"greenhouse.io", "lever.co", "workday.com", "ashbyhq.com",
	"jobvite.com", "breezy.hr", "smartrecruiters.com",
}

var errRateLimited = errors.New("rate limit wait failed")

// ToolClient is the subset of the transport client the units need.
type ToolClient interface {
	CallToolText(ctx context.Context, name string, args map[string]any) (string, error)
	HasTool(name string) bool
}

// ErrorRecorder counts failed tool calls.
type ErrorRecorder interface {
	RecordError(ctx context.Context, err error, component string)
}

// Caller wraps a ToolClient with rate limiting, a circuit breaker, retries
// and an overall per-call deadline. It is safe for concurrent use.
type Caller struct {
	client  ToolClient
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	timeout time.Duration
	jsHeavy []string
	logger  *slog.Logger
	errs    ErrorRecorder
	filter  *governance.ToolFilter
	tracer  trace.Tracer
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithRateLimit caps tool calls at limit per second with the given burst.
func WithRateLimit(limit rate.Limit, burst int) CallerOption {
	return func(c *Caller) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithBreaker shares cb across callers.
func WithBreaker(cb *resilience.CircuitBreaker) CallerOption {
	return func(c *Caller) {
		if cb != nil {
			c.breaker = cb
		}
	}
}

// WithRetry replaces the retry policy.
func WithRetry(rc resilience.RetryConfig) CallerOption {
	return func(c *Caller) {
		c.retry = rc
	}
}

// WithCallTimeout bounds one Call including its retries. Zero disables it.
func WithCallTimeout(d time.Duration) CallerOption {
	return func(c *Caller) {
		c.timeout = d
	}
}

// WithJSHeavyDomains sets the domains scraped through the browser tools.
func WithJSHeavyDomains(domains []string) CallerOption {
	return func(c *Caller) {
		c.jsHeavy = append([]string(nil), domains...)
	}
}

// WithCallerLogger sets the logger.
func WithCallerLogger(logger *slog.Logger) CallerOption {
	return func(c *Caller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrorRecorder reports every failed call to r.
func WithErrorRecorder(r ErrorRecorder) CallerOption {
	return func(c *Caller) {
		c.errs = r
	}
}

// WithToolFilter rejects calls to tools the filter denies.
func WithToolFilter(f *governance.ToolFilter) CallerOption {
	return func(c *Caller) {
		c.filter = f
	}
}

// NewCaller builds a Caller. Without options calls are unlimited, retried
// with the default policy and bounded at 45 seconds.
func NewCaller(client ToolClient, opts ...CallerOption) *Caller {
	c := &Caller{
		client:  client,
		limiter: rate.NewLimiter(rate.Inf, 1),
		retry:   resilience.DefaultRetryConfig(),
		timeout: 45 * time.Second,
		jsHeavy: append([]string(nil), DefaultJSHeavyDomains...),
		logger:  slog.Default(),
		tracer:  otel.Tracer("sdr/units"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "tools",
			IsFailure: CountsAgainstBreaker,
		})
	}
	recoverable := c.retry.IsRecoverable
	if recoverable == nil {
		recoverable = resilience.IsRecoverable
	}
	c.retry.IsRecoverable = func(err error) bool {
		return !errors.Is(err, errRateLimited) && recoverable(err)
	}
	return c
}

// CountsAgainstBreaker reports whether err says something about the tool
// server's health. Bad arguments and caller cancellation do not.
func CountsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errRateLimited) {
		return false
	}
	return !sdrerrors.IsCode(err, sdrerrors.CodeInvalidInput)
}

// Call runs one tool and returns its text.
func (c *Caller) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	ctx, span := c.tracer.Start(ctx, "Caller.Call",
		trace.WithAttributes(telemetry.ToolAttributes(tool, "", encodeArgs(args), 0)...))
	defer span.End()

	if d := c.filter.Check(tool); !d.Allowed {
		err := sdrerrors.New(sdrerrors.CodeInvalidInput, "tool denied by policy", nil).
			WithContext("tool", tool).
			WithContext("reason", d.Reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	started := time.Now()
	text, err := resilience.WithTimeout(ctx, c.timeout, func(ctx context.Context) (string, error) {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) (string, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", sdrerrors.New(sdrerrors.CodeTimeout, "waiting for tool rate limit", errors.Join(errRateLimited, err)).
					WithContext("tool", tool)
			}
			var out string
			err := c.breaker.Call(ctx, func(ctx context.Context) error {
				var err error
				out, err = c.client.CallToolText(ctx, tool, args)
				return err
			})
			return out, err
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.errs != nil {
			c.errs.RecordError(ctx, err, "tool:"+tool)
		}
		c.logger.DebugContext(ctx, "tool call failed",
			slog.String("tool", tool),
			slog.String("error_code", string(sdrerrors.CodeOf(err))),
			slog.Duration("elapsed", time.Since(started)),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return text, nil
}

// SearchResult is the raw text of a search plus the hits read from it.
type SearchResult struct {
	Query string
	Text  string
	Hits  []Hit
}

// Search runs a web search.
func (c *Caller) Search(ctx context.Context, query string) (SearchResult, error) {
	text, err := c.Call(ctx, ToolSearch, map[string]any{"query": query, "engine": "google"})
	if err != nil {
		return SearchResult{Query: query}, err
	}
	return SearchResult{Query: query, Text: text, Hits: parseHits(text)}, nil
}

// Scrape fetches rawURL as markdown. Empty output and policy refusals come
// back as NOT_FOUND.
func (c *Caller) Scrape(ctx context.Context, rawURL string) (string, error) {
	text, err := c.Call(ctx, ToolScrapeMarkdown, map[string]any{"url": rawURL})
	if err != nil {
		return "", err
	}
	if unusable(text) {
		return "", sdrerrors.New(sdrerrors.CodeNotFound, "scrape returned no usable content", nil).
			WithContext("url", rawURL)
	}
	return text, nil
}

// Page is scraped content and how it was obtained.
type Page struct {
	URL       string   `json:"url"`
	Content   string   `json:"content"`
	Method    string   `json:"method"`
	Citations []string `json:"citations"`
	// Fallback is set when Content came from search results about the
	// entity rather than from the page itself.
	Fallback bool `json:"fallback,omitempty"`
}

// ScrapeWithFallback fetches rawURL through the browser tools for
// JS-heavy domains, then the markdown scraper, then falls back to searching
// for entity off-site. The error lists every strategy's failure.
func (c *Caller) ScrapeWithFallback(ctx context.Context, rawURL, entity string) (Page, error) {
	host := hostOf(rawURL)
	if entity == "" {
		entity = host
	}

	strategies := []resilience.Strategy[Page]{
		resilience.Named(MethodBrowser, func(ctx context.Context) (Page, bool, error) {
			if !c.isJSHeavy(host) || !c.Available(ToolBrowserNavigate) || !c.Available(ToolBrowserText) {
				return Page{}, false, nil
			}
			if _, err := c.Call(ctx, ToolBrowserNavigate, map[string]any{"url": rawURL}); err != nil {
				return Page{}, false, err
			}
			text, err := c.Call(ctx, ToolBrowserText, map[string]any{})
			if err != nil {
				return Page{}, false, err
			}
			if unusable(text) {
				return Page{}, false, nil
			}
			return Page{URL: rawURL, Content: text, Method: MethodBrowser, Citations: []string{rawURL}}, true, nil
		}),
		resilience.Named(MethodScrapeMarkdown, func(ctx context.Context) (Page, bool, error) {
			text, err := c.Call(ctx, ToolScrapeMarkdown, map[string]any{"url": rawURL})
			if err != nil {
				return Page{}, false, err
			}
			if unusable(text) {
				return Page{}, false, nil
			}
			return Page{URL: rawURL, Content: text, Method: MethodScrapeMarkdown, Citations: []string{rawURL}}, true, nil
		}),
		resilience.Named(MethodSearchFallback, func(ctx context.Context) (Page, bool, error) {
			if entity == "" {
				return Page{}, false, nil
			}
			query := fmt.Sprintf("%q", entity)
			if host != "" {
				query += " -site:" + host
			}
			res, err := c.Search(ctx, query)
			if err != nil {
				return Page{}, false, err
			}
			if strings.TrimSpace(res.Text) == "" {
				return Page{}, false, nil
			}
			return Page{
				URL:       rawURL,
				Content:   res.Text,
				Method:    MethodSearchFallback,
				Citations: hitURLs(res.Hits, 5),
				Fallback:  true,
			}, true, nil
		}),
	}

	page, winner, outcomes, err := resilience.FirstSuccess(ctx, strategies...)
	for _, o := range outcomes {
		attrs := []any{slog.String("url", rawURL), slog.String("strategy", o.Strategy)}
		switch {
		case o.Err != nil:
			attrs = append(attrs, slog.String("error", o.Err.Error()))
		case o.Declined:
			attrs = append(attrs, slog.Bool("declined", true))
		}
		c.logger.DebugContext(ctx, "scrape attempt", attrs...)
	}
	if err != nil {
		if te, ok := sdrerrors.As(err); ok {
			te.WithContext("url", rawURL)
		}
		return Page{URL: rawURL}, err
	}
	c.logger.DebugContext(ctx, "scraped page", slog.String("url", rawURL), slog.String("method", winner))
	return page, nil
}

// Available reports whether the tool server offers tool and policy allows it.
func (c *Caller) Available(tool string) bool {
	return c.filter.Allowed(tool) && c.client.HasTool(tool)
}

func (c *Caller) isJSHeavy(host string) bool {
	if host == "" {
		return false
	}
	for _, d := range c.jsHeavy {
		if domainMatches(host, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// unusable spots empty output and tool-level refusals that arrive as
// ordinary text.
func unusable(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	lower := strings.ToLower(t)
	if strings.Contains(lower, "policy_20050") || strings.Contains(lower, "requires special permission") {
		return true
	}
	return strings.HasPrefix(lower, "tool ") && strings.Contains(lower, "failed")
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}
