// Package transport runs a tool server as a child process and speaks
// newline-delimited JSON-RPC with it over stdin/stdout.
//
// A single background reader demultiplexes responses by request id, so
// several callers may wait at once. A weighted semaphore bounds how many
// calls are in flight end to end, and every call carries its own timeout
// that fails only that caller. The client never retries and never restarts
// the child; those decisions belong to the layer above.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
	"github.com/calm329/SDR-Agent/pkg/telemetry"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultMaxInFlight = 3
	defaultStopGrace   = 500 * time.Millisecond
	defaultResyncBytes = 64 * 1024
	defaultResyncWait  = 2 * time.Second
)

// State is the client lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes the child process and call limits.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// CallTimeout bounds each call end to end, including the semaphore wait.
	CallTimeout time.Duration
	// MaxInFlight is the number of semaphore permits.
	MaxInFlight int
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	// ResyncBytes bounds the extra chunk read when repairing a truncated frame.
	ResyncBytes int
	// ResyncWait bounds how long the reader waits for that chunk.
	ResyncWait time.Duration

	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.ResyncBytes == 0 {
		c.ResyncBytes = defaultResyncBytes
	}
	if c.ResyncWait <= 0 {
		c.ResyncWait = defaultResyncWait
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	if c.ClientName == "" {
		c.ClientName = "sdr-agent"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "0.1.0"
	}
	return c
}

// CallObserver receives one record per completed call.
type CallObserver interface {
	RecordCall(ctx context.Context, method, outcome string, elapsed time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger. Child stderr is logged at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver attaches a call observer, typically telemetry.RunMetrics.
func WithObserver(obs CallObserver) Option {
	return func(c *Client) {
		c.observer = obs
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall correlates an outstanding request id with its waiter.
type pendingCall struct {
	method string
	ch     chan callResult
}

// Client is safe for concurrent use once started.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	observer CallObserver
	tracer   trace.Tracer
	sem      *semaphore.Weighted
	nextID   atomic.Int64

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	proc       *process
	pending    map[int64]*pendingCall
	exitErr    error
	serverInfo mcp.Implementation
	tools      []mcp.Tool
}

// New creates a client. Nothing is spawned until Start.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("sdr/transport"),
		sem:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start spawns the child, performs the initialize handshake and discovers
// tools. On any failure the child is killed and the client returns to
// NotStarted. Starting a ready client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		state := c.state
		c.mu.Unlock()
		return sdrerrors.Newf(sdrerrors.CodeTransport, "transport is %s", state)
	}
	c.state = StateStarting
	c.mu.Unlock()

	proc, err := startProcess(c.cfg, c.logger)
	if err != nil {
		c.setState(StateNotStarted)
		return sdrerrors.New(sdrerrors.CodeProcess, "start child process", err).
			WithContext("command", c.cfg.Command)
	}

	c.mu.Lock()
	c.proc = proc
	c.pending = make(map[int64]*pendingCall)
	c.exitErr = nil
	c.mu.Unlock()
	go c.readLoop(proc)

	c.logger.Info("transport child started",
		slog.String("command", c.cfg.Command),
		slog.Int("pid", proc.pid()),
	)

	if err := c.handshake(ctx); err != nil {
		_ = proc.stop(context.Background(), c.cfg.StopGrace)
		c.failAll(proc, sdrerrors.New(sdrerrors.CodeProcess, "transport start aborted", err))
		c.mu.Lock()
		c.proc = nil
		c.state = StateNotStarted
		c.mu.Unlock()
		return err
	}
	c.setState(StateReady)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": c.cfg.ProtocolVersion,
		"capabilities":    mcp.ClientCapabilities{},
		"clientInfo": mcp.Implementation{
			Name:    c.cfg.ClientName,
			Version: c.cfg.ClientVersion,
		},
	}
	raw, err := c.roundTrip(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return sdrerrors.New(sdrerrors.CodeProtocol, "decode initialize result", err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return err
	}
	tools, err := c.listTools(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.tools = tools
	c.mu.Unlock()
	c.logger.Info("transport ready",
		slog.String("server", init.ServerInfo.Name),
		slog.String("protocol", init.ProtocolVersion),
		slog.Int("tools", len(tools)),
	)
	return nil
}

// Call sends method with params and waits for the matching response. It
// fails with TIMEOUT after the per-call ceiling, PROCESS_ERROR when the
// child is gone, PROTOCOL_ERROR for an unreadable or error response, and
// TRANSPORT_ERROR when the client is not ready.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if state := c.State(); state != StateReady {
		code := sdrerrors.CodeTransport
		if state == StateStopped || state == StateNotStarted {
			code = sdrerrors.CodeProcess
		}
		return nil, sdrerrors.Newf(code, "transport is %s", state).WithContext("method", method)
	}
	return c.roundTrip(ctx, method, params)
}

func (c *Client) roundTrip(ctx context.Context, method string, params any) (_ json.RawMessage, err error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "Transport.Call", trace.WithAttributes(attribute.String(telemetry.AttrRPCMethod, method)))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(sdrerrors.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.observer != nil {
			c.observer.RecordCall(ctx, method, outcome, time.Since(started))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, c.waitErr(ctx, method)
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	proc := c.proc
	if proc == nil {
		c.mu.Unlock()
		return nil, sdrerrors.New(sdrerrors.CodeProcess, "transport has no child process", nil).WithContext("method", method)
	}
	if c.exitErr != nil {
		exitErr := c.exitErr
		c.mu.Unlock()
		return nil, exitErr
	}
	id := c.nextID.Add(1)
	call := &pendingCall{method: method, ch: make(chan callResult, 1)}
	c.pending[id] = call
	c.mu.Unlock()
	defer c.forget(id)
	span.SetAttributes(telemetry.CallAttributes(method, id)...)

	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, sdrerrors.New(sdrerrors.CodeInvalidInput, "encode request", err).WithContext("method", method)
	}
	c.writeMu.Lock()
	err = proc.write(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, sdrerrors.New(sdrerrors.CodeProcess, "write to child", err).WithContext("method", method)
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		return nil, c.waitErr(ctx, method)
	}
}

func (c *Client) waitErr(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sdrerrors.Newf(sdrerrors.CodeTimeout, "call %s timed out", method).
			WithContext("method", method).
			WithRecoverable(true)
	}
	return sdrerrors.New(sdrerrors.CodeTransport, "call cancelled", ctx.Err()).WithContext("method", method)
}

func (c *Client) notify(method string, params any) error {
	frame, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return sdrerrors.New(sdrerrors.CodeProcess, "transport has no child process", nil)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := proc.write(frame); err != nil {
		return sdrerrors.New(sdrerrors.CodeProcess, "write to child", err)
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop owns the decoder for one child. It exits when stdout closes and
// then fails every waiter with PROCESS_ERROR.
func (c *Client) readLoop(proc *process) {
	go proc.closeAfterExit(c.cfg.StopGrace)
	dec := newDecoder(proc.lines, c.cfg.ResyncBytes, c.cfg.ResyncWait)
	for {
		fr, ok := dec.next()
		if !ok {
			break
		}
		c.dispatch(fr)
	}

	select {
	case <-proc.exited:
	case <-time.After(c.cfg.StopGrace):
	}
	err := sdrerrors.New(sdrerrors.CodeProcess, "child process exited", proc.exitErr()).
		WithContext("pid", proc.pid())
	c.failAll(proc, err)
}

func (c *Client) dispatch(fr frame) {
	if fr.err != nil {
		perr := sdrerrors.New(sdrerrors.CodeProtocol, "unreadable response", fr.err).WithRecoverable(true)
		if call, id, ok := c.claim(fr); ok {
			c.logger.Warn("malformed frame", slog.Int64("id", id), slog.String("method", call.method), slog.String("error", fr.err.Error()))
			call.ch <- callResult{err: perr.WithContext("method", call.method)}
			return
		}
		c.logger.Warn("malformed frame dropped", slog.String("error", fr.err.Error()))
		return
	}

	msg := fr.msg
	id, ok := msg.responseID()
	if !ok {
		if msg.Method != "" {
			c.logger.Debug("ignoring server message", slog.String("method", msg.Method))
			return
		}
		if msg.Error != nil {
			// A response with a null id reports a request the server could not read.
			if call, _, ok := c.claim(frame{}); ok {
				call.ch <- callResult{err: sdrerrors.New(sdrerrors.CodeProtocol, "server rejected request", msg.Error).WithContext("method", call.method)}
			} else {
				c.logger.Warn("error response without id dropped", slog.String("error", msg.Error.Error()))
			}
		}
		return
	}

	c.mu.Lock()
	call := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if call == nil {
		c.logger.Debug("dropping response without waiter", slog.Int64("id", id))
		return
	}
	if msg.Error != nil {
		call.ch <- callResult{err: sdrerrors.New(sdrerrors.CodeProtocol, msg.Error.Message, msg.Error).
			WithContext("method", call.method).
			WithContext("rpc_code", msg.Error.Code)}
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	call.ch <- callResult{result: result}
}

// claim removes and returns the waiter a malformed frame belongs to: the
// salvaged id when known, otherwise the only outstanding call not answered
// by a line read after it. With several candidates nobody is failed.
func (c *Client) claim(fr frame) (*pendingCall, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fr.hasID {
		if call, ok := c.pending[fr.salvagedID]; ok {
			delete(c.pending, fr.salvagedID)
			return call, fr.salvagedID, true
		}
	}
	var (
		owner int64
		found bool
	)
	for pid := range c.pending {
		if slices.Contains(fr.laterIDs, pid) {
			continue
		}
		if found {
			return nil, 0, false
		}
		owner, found = pid, true
	}
	if !found {
		return nil, 0, false
	}
	call := c.pending[owner]
	delete(c.pending, owner)
	return call, owner, true
}

func (c *Client) failAll(proc *process, err error) {
	c.mu.Lock()
	if c.proc != proc {
		c.mu.Unlock()
		return
	}
	c.exitErr = err
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()
	for _, call := range pending {
		call.ch <- callResult{err: err}
	}
	if len(pending) > 0 {
		c.logger.Warn("failed pending calls", slog.Int("count", len(pending)), slog.String("error", err.Error()))
	}
}

// Stop terminates the child: SIGTERM, a grace period, then SIGKILL. Waiting
// callers fail with PROCESS_ERROR. Stopping a client that is not running is
// a no-op. A stopped client may be started again.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateNotStarted, StateStopped, StateStopping:
		c.mu.Unlock()
		return nil
	case StateStarting:
		c.mu.Unlock()
		return sdrerrors.New(sdrerrors.CodeTransport, "transport is starting", nil)
	}
	c.state = StateStopping
	proc := c.proc
	c.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.stop(ctx, c.cfg.StopGrace)
		c.failAll(proc, sdrerrors.New(sdrerrors.CodeProcess, "transport stopped", nil))
		c.logger.Info("transport child stopped", slog.Int("pid", proc.pid()))
	}

	c.mu.Lock()
	c.proc = nil
	c.state = StateStopped
	c.mu.Unlock()
	return err
}

// Err reports why the child is gone, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
