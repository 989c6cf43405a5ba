package spgate

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/gogogo1024/spgate/protocol"
)

// Header is one response header line. Responses keep headers ordered and may
// repeat a name.
type Header struct {
	Name  string
	Value string
}

// Response is the protocol-neutral result of an Executor.
// A nil *Response means the backend had nothing to return.
type Response struct {
	StatusCode int
	Headers    []Header
	Body       []byte
}

// ExecutionRequest is what the dispatcher asks an ExecutorResolver for.
type ExecutionRequest struct {
	HandlerID string
	Method    string
	Target    string
	Command   *protocol.Command
}

// AsyncRequest is a fire-and-forget command submission.
type AsyncRequest struct {
	Command string
	Pool    string
	Payload []byte
	Params  map[string]string
}

// Executor is a single-shot backend invocation. Execute must not be called
// more than once.
type Executor interface {
	Execute(ctx context.Context) (*Response, error)
}

// ExecutorResolver hands out executors for synchronous dispatch.
// Implementations must be safe for concurrent use.
type ExecutorResolver interface {
	Executor(ctx context.Context, req ExecutionRequest) (Executor, error)
}

// AsyncSubmitter accepts commands for asynchronous execution. SubmitAsync
// returns once the command is enqueued; execution failures are the
// submitter's to report.
type AsyncSubmitter interface {
	SubmitAsync(ctx context.Context, req AsyncRequest) error
}

// Codec adapts one wire protocol to the dispatcher.
//
// Decode reads exactly one request from r and returns io.EOF when the peer
// closed the stream cleanly between requests. Encode writes resp to w and is
// a no-op for a nil response.
type Codec interface {
	Name() string
	Decode(r *bufio.Reader) (*protocol.Command, error)
	Encode(w io.Writer, resp *Response) error
}

// RequestRecord describes one dispatch attempt for request logging.
type RequestRecord struct {
	Endpoint string
	Request  ExecutionRequest
	Executor Executor
	Start    time.Time
	Duration time.Duration
	Err      error
}

// RequestLogger is invoked exactly once per synchronous dispatch attempt,
// whatever its outcome.
type RequestLogger interface {
	LogRequest(ctx context.Context, rec RequestRecord)
}

// SlogRequestLogger writes request records to a slog.Logger.
type SlogRequestLogger struct {
	Logger *slog.Logger
}

func (l SlogRequestLogger) LogRequest(ctx context.Context, rec RequestRecord) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outcome := "ok"
	if rec.Err != nil {
		outcome = "error"
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "request",
		slog.String("endpoint", rec.Endpoint),
		slog.String("handler", rec.Request.HandlerID),
		slog.String("method", rec.Request.Method),
		slog.String("target", rec.Request.Target),
		slog.Duration("duration", rec.Duration),
		slog.String("outcome", outcome),
	)
}

type nopRequestLogger struct{}

func (nopRequestLogger) LogRequest(context.Context, RequestRecord) {}
