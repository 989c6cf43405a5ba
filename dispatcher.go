package spgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gogogo1024/spgate/protocol"
)

// Mode selects the execution semantics of an endpoint.
type Mode int

const (
	// ModeSync executes each request, writes the response and closes the
	// connection.
	ModeSync Mode = iota
	// ModeAsync submits each command fire-and-forget and keeps the
	// connection open.
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync":
		return ModeSync, nil
	case "async":
		return ModeAsync, nil
	default:
		return 0, fmt.Errorf("unknown dispatch mode %q", s)
	}
}

// Dispatch outcomes reported to the Observer.
const (
	OutcomeOK             = "ok"
	OutcomeDispatchError  = "dispatch_error"
	OutcomeSubmitted      = "submitted"
	OutcomeAsyncError     = "async_error"
	OutcomeProtocolError  = "protocol_error"
	OutcomeRateLimited    = "rate_limited"
	OutcomeNoResponseData = "no_response"
)

// Observer receives dispatch events, typically to feed metrics.
type Observer interface {
	Dispatched(endpoint, mode, outcome string)
	ConnectionOpened(endpoint string)
	ConnectionClosed(endpoint string)
	ConnectionFault(endpoint string)
}

type nopObserver struct{}

func (nopObserver) Dispatched(string, string, string) {}
func (nopObserver) ConnectionOpened(string)           {}
func (nopObserver) ConnectionClosed(string)           {}
func (nopObserver) ConnectionFault(string)            {}

type DispatcherConfig struct {
	// Endpoint names the listener in logs and metrics.
	Endpoint string
	Mode     Mode
	Codec    Codec
	Routes   *RoutingTable

	// Resolver is required in ModeSync, Submitter in ModeAsync.
	Resolver  ExecutorResolver
	Submitter AsyncSubmitter

	RequestLogger RequestLogger
	// Registry may be shared between endpoints. A private one is created
	// when nil.
	Registry *ConnRegistry
	Logger   *slog.Logger
	Observer Observer
}

// Dispatcher runs decode -> route -> execute -> log -> respond cycles for
// one endpoint. One Dispatcher serves many connections concurrently.
type Dispatcher struct {
	endpoint  string
	mode      Mode
	codec     Codec
	routes    *RoutingTable
	resolver  ExecutorResolver
	submitter AsyncSubmitter
	reqLog    RequestLogger
	registry  *ConnRegistry
	logger    *slog.Logger
	observer  Observer
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Codec == nil {
		return nil, &ConfigurationError{Endpoint: cfg.Endpoint, Err: errors.New("codec is required")}
	}
	switch cfg.Mode {
	case ModeSync:
		if cfg.Routes == nil {
			return nil, &ConfigurationError{Endpoint: cfg.Endpoint, Err: errors.New("routing table is required")}
		}
		if cfg.Resolver == nil {
			return nil, &ConfigurationError{Endpoint: cfg.Endpoint, Err: errors.New("executor resolver is required in sync mode")}
		}
	case ModeAsync:
		if cfg.Submitter == nil {
			return nil, &ConfigurationError{Endpoint: cfg.Endpoint, Err: errors.New("async submitter is required in async mode")}
		}
	default:
		return nil, &ConfigurationError{Endpoint: cfg.Endpoint, Err: fmt.Errorf("invalid mode %d", cfg.Mode)}
	}

	d := &Dispatcher{
		endpoint:  cfg.Endpoint,
		mode:      cfg.Mode,
		codec:     cfg.Codec,
		routes:    cfg.Routes,
		resolver:  cfg.Resolver,
		submitter: cfg.Submitter,
		reqLog:    cfg.RequestLogger,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}
	if d.reqLog == nil {
		d.reqLog = nopRequestLogger{}
	}
	if d.registry == nil {
		d.registry = NewConnRegistry()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	d.logger = d.logger.With(slog.String("endpoint", d.endpoint), slog.String("mode", d.mode.String()))
	return d, nil
}

func (d *Dispatcher) Endpoint() string        { return d.endpoint }
func (d *Dispatcher) Mode() Mode              { return d.mode }
func (d *Dispatcher) Codec() Codec            { return d.codec }
func (d *Dispatcher) Routes() *RoutingTable   { return d.routes }
func (d *Dispatcher) Registry() *ConnRegistry { return d.registry }

// OnOpen registers a new connection. Both modes register.
func (d *Dispatcher) OnOpen(c Conn) {
	d.registry.Register(c)
	d.observer.ConnectionOpened(d.endpoint)
	d.logger.Debug("connection opened", slog.String("conn", c.ID()), slog.Any("remote", c.RemoteAddr()))
}

func (d *Dispatcher) OnClose(c Conn) {
	d.registry.Unregister(c)
	d.observer.ConnectionClosed(d.endpoint)
	d.logger.Debug("connection closed", slog.String("conn", c.ID()))
}

// OnFrame dispatches one decoded command according to the endpoint mode.
// A non-nil error is fatal to the connection.
func (d *Dispatcher) OnFrame(ctx context.Context, c Conn, cmd *protocol.Command) error {
	if d.mode == ModeAsync {
		return d.HandleAsync(ctx, c, cmd)
	}
	return d.HandleSync(ctx, c, cmd)
}

// HandleSync executes cmd, writes the encoded response and closes c.
// On failure nothing is written and a *DispatchError is returned; the caller
// routes it to Fail.
func (d *Dispatcher) HandleSync(ctx context.Context, c Conn, cmd *protocol.Command) (err error) {
	req := ExecutionRequest{
		HandlerID: d.routes.Resolve(cmd.RoutingKey),
		Method:    cmd.Name,
		Target:    cmd.TargetOrKey(),
		Command:   cmd,
	}
	rec := RequestRecord{Endpoint: d.endpoint, Request: req, Start: time.Now()}
	defer func() {
		rec.Duration = time.Since(rec.Start)
		rec.Err = err
		d.reqLog.LogRequest(ctx, rec)
	}()
	// A panicking executor or codec fails this connection only.
	defer func() {
		if r := recover(); r != nil {
			err = d.dispatchFailed(req, fmt.Errorf("panic: %v", r))
		}
	}()

	ex, err := d.resolver.Executor(ctx, req)
	if err != nil {
		return d.dispatchFailed(req, err)
	}
	rec.Executor = ex

	resp, err := ex.Execute(ctx)
	if err != nil {
		return d.dispatchFailed(req, err)
	}

	outcome := OutcomeOK
	if resp == nil {
		outcome = OutcomeNoResponseData
	} else {
		// Render fully before touching the wire so a failed encode never
		// leaves a partial response behind.
		var buf bytes.Buffer
		if err := d.codec.Encode(&buf, resp); err != nil {
			return d.dispatchFailed(req, fmt.Errorf("encode response: %w", err))
		}
		if buf.Len() > 0 {
			if _, err := c.Write(buf.Bytes()); err != nil {
				return d.dispatchFailed(req, fmt.Errorf("write response: %w", err))
			}
		}
	}

	d.observer.Dispatched(d.endpoint, d.mode.String(), outcome)
	_ = c.Close()
	return nil
}

func (d *Dispatcher) dispatchFailed(req ExecutionRequest, cause error) error {
	err := &DispatchError{HandlerID: req.HandlerID, Target: req.Target, Err: cause}
	d.logger.Error("error executing request",
		slog.String("handler", req.HandlerID),
		slog.String("target", req.Target),
		slog.Any("err", cause))
	d.observer.Dispatched(d.endpoint, d.mode.String(), OutcomeDispatchError)
	return err
}

// HandleAsync submits cmd to its execution pool and returns immediately.
// Failures are logged and never affect the connection, so it always
// returns nil.
func (d *Dispatcher) HandleAsync(ctx context.Context, c Conn, cmd *protocol.Command) error {
	req := AsyncRequest{
		Command: cmd.Name,
		Pool:    PoolFor(cmd),
		Payload: cmd.Payload,
		Params:  cmd.Params,
	}

	if err := d.submit(ctx, req); err != nil {
		d.logger.Error("error asynchronously executing the command",
			slog.String("conn", c.ID()),
			slog.Any("err", &AsyncExecutionError{Command: req.Command, Pool: req.Pool, Err: err}))
		d.observer.Dispatched(d.endpoint, d.mode.String(), OutcomeAsyncError)
		return nil
	}

	d.logger.Debug("started execution for async command",
		slog.String("command", req.Command),
		slog.String("pool", req.Pool))
	d.observer.Dispatched(d.endpoint, d.mode.String(), OutcomeSubmitted)
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, req AsyncRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submitter panic: %v", r)
		}
	}()
	return d.submitter.SubmitAsync(ctx, req)
}

// Fail is the fatal path: it logs cause against the connection and closes it.
func (d *Dispatcher) Fail(c Conn, cause error) {
	d.logger.Warn("connection fault, disconnect initiated",
		slog.String("conn", c.ID()),
		slog.Any("remote", c.RemoteAddr()),
		slog.Any("err", cause))
	d.observer.ConnectionFault(d.endpoint)
	_ = c.Close()
}

// PoolFor returns the execution pool of an async command: the "pool" param
// when set, otherwise the command name.
func PoolFor(cmd *protocol.Command) string {
	if p := cmd.Param(protocol.ParamPool); p != "" {
		return p
	}
	return cmd.Name
}
