package spgate

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gogogo1024/spgate/protocol"
)

// serveOne accepts a single connection on a loopback listener and runs fn on
// it, returning the listener address and the handler result channel.
func serveOne(t *testing.T, fn func(net.Conn) error) (string, <-chan error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	done := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- fn(conn)
	}()
	return listener.Addr().String(), done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not exit")
		return nil
	}
}

func TestHandleConn_SyncRespondsAndCloses(t *testing.T) {
	rt := mustRoutes(t, "defaultProxy", map[string]string{"orders": "ordersProxy"})
	res := newStubResolver().handle("ordersProxy", echoHandler("ordersProxy"))
	d, _, _, _ := newSyncDispatcher(t, frameCodec{}, rt, res)

	addr, done := serveOne(t, func(c net.Conn) error {
		return handleConn(context.Background(), c, d, 5*time.Second, 5*time.Second)
	})

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	writeCommand(t, client, &protocol.Command{Name: "orders", Payload: []byte("ping_test")})
	resp := readCommandFrame(t, client)
	if resp.Name != "200" || string(resp.Payload) != "ping_test" || resp.Params["handler"] != "ordersProxy" {
		t.Fatalf("unexpected response %v", resp)
	}

	// Server closes after one cycle.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after sync response, got %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("handleConn: %v", err)
	}
	if d.Registry().Len() != 0 {
		t.Fatalf("connection still registered")
	}
}

func TestHandleConn_SyncExecutionErrorIsFatal(t *testing.T) {
	rt := mustRoutes(t, "defaultProxy", nil)
	res := newStubResolver().handle("defaultProxy", func(context.Context, ExecutionRequest) (*Response, error) {
		return nil, errors.New("backend down")
	})
	d, _, obs, _ := newSyncDispatcher(t, frameCodec{}, rt, res)

	addr, done := serveOne(t, func(c net.Conn) error {
		return handleConn(context.Background(), c, d, 5*time.Second, 5*time.Second)
	})
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	writeCommand(t, client, &protocol.Command{Name: "x"})

	var de *DispatchError
	if err := waitDone(t, done); !errors.As(err, &de) {
		t.Fatalf("handleConn err = %v, want DispatchError", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := client.Read(make([]byte, 64)); n != 0 || err == nil {
		t.Fatalf("expected closed connection with no data, got %d bytes, %v", n, err)
	}
	if obs.faultCount() != 1 {
		t.Fatalf("expected one fault")
	}
}

func TestHandleConn_AsyncKeepsConnectionOpen(t *testing.T) {
	sub := newRecordingSubmitter()
	d, _, _ := newAsyncDispatcher(t, sub)

	addr, done := serveOne(t, func(c net.Conn) error {
		return handleConn(context.Background(), c, d, 5*time.Second, 5*time.Second)
	})
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	for _, name := range []string{"a", "b", "c"} {
		writeCommand(t, client, &protocol.Command{Name: name, Params: map[string]string{"pool": "p"}})
	}
	sub.wait(t, 3)

	got := sub.submitted()
	for i, name := range []string{"a", "b", "c"} {
		if got[i].Command != name || got[i].Pool != "p" {
			t.Fatalf("submission %d = %+v", i, got[i])
		}
	}
	if d.Registry().Len() != 1 {
		t.Fatalf("async connection must stay registered, len=%d", d.Registry().Len())
	}

	_ = client.Close()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("handleConn: %v", err)
	}
}

func TestHandleConn_AsyncSubmitErrorDoesNotClose(t *testing.T) {
	sub := newRecordingSubmitter()
	sub.err = ErrPoolExhausted
	d, _, _ := newAsyncDispatcher(t, sub)

	addr, done := serveOne(t, func(c net.Conn) error {
		return handleConn(context.Background(), c, d, 5*time.Second, 5*time.Second)
	})
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	writeCommand(t, client, &protocol.Command{Name: "a"})
	sub.wait(t, 1)
	writeCommand(t, client, &protocol.Command{Name: "b"})
	sub.wait(t, 1)

	select {
	case err := <-done:
		t.Fatalf("handler exited early: %v", err)
	default:
	}
}

func TestHandleConn_BadMagicIsProtocolError(t *testing.T) {
	d, obs, _ := newAsyncDispatcher(t, newRecordingSubmitter())

	addr, done := serveOne(t, func(c net.Conn) error {
		return handleConn(context.Background(), c, d, 5*time.Second, 5*time.Second)
	})
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("GARBAGE!")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var pe *ProtocolError
	if err := waitDone(t, done); !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if pe.Protocol != "command" {
		t.Fatalf("Protocol = %q", pe.Protocol)
	}
	if obs.outcome(OutcomeProtocolError) != 1 || obs.faultCount() != 1 {
		t.Fatalf("expected protocol_error outcome and a fault")
	}
}

func TestHandleConn_TruncatedFrameIsProtocolError(t *testing.T) {
	d, _, _ := newAsyncDispatcher(t, newRecordingSubmitter())

	addr, done := serveOne(t, func(c net.Conn) error {
		return handleConn(context.Background(), c, d, 5*time.Second, 5*time.Second)
	})
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	body, _ := protocol.EncodeCommand(&protocol.Command{Name: "cut", Payload: []byte("0123456789")})
	wire := protocol.Encode(&protocol.Frame{Body: body})
	_, _ = client.Write(wire[:len(wire)-4])
	_ = client.Close()

	var pe *ProtocolError
	if err := waitDone(t, done); !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestHandleConn_RateLimit(t *testing.T) {
	sub := newRecordingSubmitter()
	d, obs, _ := newAsyncDispatcher(t, sub)

	addr, done := serveOne(t, func(c net.Conn) error {
		return HandleConn(context.Background(), c, d, WithRateLimit(1, 1))
	})
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	writeCommand(t, client, &protocol.Command{Name: "a"})
	writeCommand(t, client, &protocol.Command{Name: "b"})

	if err := waitDone(t, done); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if len(sub.submitted()) != 1 {
		t.Fatalf("submitted %d, want 1", len(sub.submitted()))
	}
	if obs.outcome(OutcomeRateLimited) != 1 {
		t.Fatalf("expected rate_limited outcome")
	}
}

func TestHandleConnIdleTimeoutReturnsNil(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	d, _, _ := newAsyncDispatcher(t, newRecordingSubmitter())

	done := make(chan error, 1)
	go func() {
		done <- handleConn(context.Background(), server, d, 50*time.Millisecond, 0)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on idle timeout, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected connection handler to exit on idle timeout")
	}
}

func TestHandleConnWriteTimeoutReturnsError(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Never read from client. Server write should block and then time out.
	rt := mustRoutes(t, "defaultProxy", nil)
	res := newStubResolver().handle("defaultProxy", echoHandler("defaultProxy"))
	d, _, _, _ := newSyncDispatcher(t, frameCodec{}, rt, res)

	done := make(chan error, 1)
	go func() {
		done <- handleConn(context.Background(), server, d, 500*time.Millisecond, 50*time.Millisecond)
	}()

	writeCommand(t, client, &protocol.Command{Name: "ping", Payload: []byte("ping")})

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected write timeout error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected handler to exit due to write timeout")
	}
}

func TestHandleConnRequiresDispatcher(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	if err := HandleConn(context.Background(), server, nil); !errors.Is(err, ErrNoDispatcher) {
		t.Fatalf("err = %v, want ErrNoDispatcher", err)
	}
}
