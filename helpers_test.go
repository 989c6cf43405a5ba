package spgate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gogogo1024/spgate/protocol"
)

// frameCodec speaks the framed command protocol. Responses go back as a
// command named after the status code.
type frameCodec struct{}

func (frameCodec) Name() string { return "command" }

func (frameCodec) Decode(r *bufio.Reader) (*protocol.Command, error) {
	f, err := protocol.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	body, err := protocol.DecodeFrameBody(f)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeCommand(body)
}

func (frameCodec) Encode(w io.Writer, resp *Response) error {
	if resp == nil {
		return nil
	}
	params := make(map[string]string, len(resp.Headers))
	for _, h := range resp.Headers {
		params[h.Name] = h.Value
	}
	body, err := protocol.EncodeCommand(&protocol.Command{
		Name:    strconv.Itoa(resp.StatusCode),
		Params:  params,
		Payload: resp.Body,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(protocol.Encode(&protocol.Frame{Body: body}))
	return err
}

// failingCodec decodes like frameCodec but cannot encode.
type failingCodec struct{ frameCodec }

func (failingCodec) Encode(io.Writer, *Response) error { return errors.New("encoder broken") }

func writeCommand(t *testing.T, w io.Writer, cmd *protocol.Command) {
	t.Helper()
	body, err := protocol.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if _, err := w.Write(protocol.Encode(&protocol.Frame{Body: body})); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readCommandFrame(t *testing.T, conn net.Conn) *protocol.Command {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	cmd, err := protocol.DecodeCommand(f.Body)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	return cmd
}

type funcExecutor func(ctx context.Context) (*Response, error)

func (f funcExecutor) Execute(ctx context.Context) (*Response, error) { return f(ctx) }

type handlerFunc func(ctx context.Context, req ExecutionRequest) (*Response, error)

// stubResolver serves executors by handler ID and records every request.
type stubResolver struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	requests []ExecutionRequest
}

func newStubResolver() *stubResolver {
	return &stubResolver{handlers: map[string]handlerFunc{}}
}

func (r *stubResolver) handle(id string, fn handlerFunc) *stubResolver {
	r.handlers[id] = fn
	return r
}

func (r *stubResolver) Executor(_ context.Context, req ExecutionRequest) (Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	fn, ok := r.handlers[req.HandlerID]
	if !ok {
		return nil, ErrUnknownHandler
	}
	return funcExecutor(func(ctx context.Context) (*Response, error) { return fn(ctx, req) }), nil
}

func (r *stubResolver) seen() []ExecutionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutionRequest(nil), r.requests...)
}

// echoHandler answers 200 with the payload, naming the handler and target.
func echoHandler(id string) handlerFunc {
	return func(_ context.Context, req ExecutionRequest) (*Response, error) {
		return &Response{
			StatusCode: 200,
			Headers: []Header{
				{Name: "handler", Value: id},
				{Name: "target", Value: req.Target},
			},
			Body: req.Command.Payload,
		}, nil
	}
}

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []AsyncRequest
	err  error
	hit  chan struct{}
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{hit: make(chan struct{}, 64)}
}

func (s *recordingSubmitter) SubmitAsync(_ context.Context, req AsyncRequest) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	err := s.err
	s.mu.Unlock()
	s.hit <- struct{}{}
	return err
}

func (s *recordingSubmitter) submitted() []AsyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AsyncRequest(nil), s.reqs...)
}

func (s *recordingSubmitter) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.hit:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for submission %d", i+1)
		}
	}
}

type panickingSubmitter struct{}

func (panickingSubmitter) SubmitAsync(context.Context, AsyncRequest) error {
	panic("queue gone")
}

// memConn is an in-memory Conn for dispatcher unit tests.
type memConn struct {
	id       string
	mu       sync.Mutex
	out      bytes.Buffer
	closed   bool
	writeErr error
}

func newMemConn(id string) *memConn { return &memConn{id: id} }

func (c *memConn) ID() string { return c.id }

func (c *memConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.out.Write(p)
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

// logBuffer is a goroutine-safe sink for a JSON slog handler.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type recordingRequestLogger struct {
	mu      sync.Mutex
	records []RequestRecord
}

func (l *recordingRequestLogger) LogRequest(_ context.Context, rec RequestRecord) {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

func (l *recordingRequestLogger) all() []RequestRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RequestRecord(nil), l.records...)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
	faults   int
	opened   int
	closed   int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: map[string]int{}}
}

func (o *countingObserver) Dispatched(_, _, outcome string) {
	o.mu.Lock()
	o.outcomes[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) ConnectionOpened(string) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *countingObserver) ConnectionClosed(string) {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func (o *countingObserver) ConnectionFault(string) {
	o.mu.Lock()
	o.faults++
	o.mu.Unlock()
}

func (o *countingObserver) outcome(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[name]
}

func (o *countingObserver) faultCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.faults
}

func mustRoutes(t *testing.T, def string, overrides map[string]string, opts ...RouteOption) *RoutingTable {
	t.Helper()
	rt, err := NewRoutingTable(def, overrides, opts...)
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}
	return rt
}
