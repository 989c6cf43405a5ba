package spgate

import (
	"errors"
	"fmt"
)

var (
	ErrNoDefaultHandler = errors.New("spgate: default handler is required")
	ErrNoDispatcher     = errors.New("spgate: dispatcher is required")

	// Executor repository failures. Implementations wrap these so callers can
	// classify with errors.Is.
	ErrUnknownHandler = errors.New("unknown handler")
	ErrPoolExhausted  = errors.New("execution pool exhausted")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrExecutorReused = errors.New("executor already executed")

	ErrRateLimited = errors.New("rate limit exceeded")
)

// ConfigurationError reports an endpoint that cannot be put into service.
type ConfigurationError struct {
	Endpoint string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error (endpoint %s): %v", e.Endpoint, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProtocolError reports a frame that could not be decoded. It is fatal to the
// connection that produced it.
type ProtocolError struct {
	Protocol string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %v", e.Protocol, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DispatchError reports a synchronous dispatch that failed to resolve or
// execute. It is fatal to the connection.
type DispatchError struct {
	HandlerID string
	Target    string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("error executing request: handler=%s target=%s: %v", e.HandlerID, e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// AsyncExecutionError reports a failure anywhere on the asynchronous path.
// It is logged and never closes the connection.
type AsyncExecutionError struct {
	Command string
	Pool    string
	Err     error
}

func (e *AsyncExecutionError) Error() string {
	return fmt.Sprintf("async command %s (pool %s) failed: %v", e.Command, e.Pool, e.Err)
}

func (e *AsyncExecutionError) Unwrap() error { return e.Err }

// protocolError wraps err as a ProtocolError unless it already is one.
func protocolError(proto string, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Protocol: proto, Err: err}
}
