// Package local is an in-process executor repository. Handlers are plain
// functions registered by name; synchronous calls run on the caller's
// goroutine and asynchronous commands run on per-pool worker queues.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/internal/breaker"
	"github.com/gogogo1024/spgate/internal/worker"
	"github.com/gogogo1024/spgate/protocol"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 1024
	defaultStopTimeout = 5 * time.Second
)

// HandlerFunc serves one request.
type HandlerFunc func(ctx context.Context, req spgate.ExecutionRequest) (*spgate.Response, error)

// Repository resolves handler ids to executors and runs async commands.
type Repository struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	breakers  *breaker.Registry
	timeout   time.Duration
	workers   int
	queueSize int
	observer  worker.Observer
	logger    *slog.Logger

	poolMu  sync.Mutex
	pools   map[string]*worker.Pool[spgate.AsyncRequest]
	baseCtx context.Context
	closed  bool
}

var (
	_ spgate.ExecutorResolver = (*Repository)(nil)
	_ spgate.AsyncSubmitter   = (*Repository)(nil)
)

type Option func(*Repository)

// WithBreakers guards every handler with the breaker of the same name.
func WithBreakers(r *breaker.Registry) Option {
	return func(repo *Repository) { repo.breakers = r }
}

// WithTimeout bounds each execution. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(repo *Repository) { repo.timeout = d }
}

func WithPoolSize(workers, queueSize int) Option {
	return func(repo *Repository) {
		repo.workers = workers
		repo.queueSize = queueSize
	}
}

func WithPoolObserver(o worker.Observer) Option {
	return func(repo *Repository) { repo.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(repo *Repository) {
		if l != nil {
			repo.logger = l
		}
	}
}

func New(opts ...Option) *Repository {
	r := &Repository{
		handlers:  make(map[string]HandlerFunc),
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
		pools:     make(map[string]*worker.Pool[spgate.AsyncRequest]),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds name to fn, replacing any previous handler.
func (r *Repository) Register(name string, fn HandlerFunc) {
	if name == "" || fn == nil {
		panic("local: Register requires a name and a handler")
	}
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
}

func (r *Repository) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

func (r *Repository) lookup(name string) (HandlerFunc, error) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", spgate.ErrUnknownHandler, name)
	}
	return fn, nil
}

// Executor returns a single-shot executor for req.HandlerID.
func (r *Repository) Executor(_ context.Context, req spgate.ExecutionRequest) (spgate.Executor, error) {
	fn, err := r.lookup(req.HandlerID)
	if err != nil {
		return nil, err
	}
	return &executor{repo: r, fn: fn, req: req}, nil
}

type executor struct {
	repo *Repository
	fn   HandlerFunc
	req  spgate.ExecutionRequest
	used atomic.Bool
}

func (e *executor) Execute(ctx context.Context) (*spgate.Response, error) {
	if !e.used.CompareAndSwap(false, true) {
		return nil, spgate.ErrExecutorReused
	}
	return e.repo.run(ctx, e.fn, e.req)
}

func (r *Repository) run(ctx context.Context, fn HandlerFunc, req spgate.ExecutionRequest) (*spgate.Response, error) {
	var b *breaker.Breaker
	if r.breakers != nil {
		b = r.breakers.Get(req.HandlerID)
		if !b.Allow() {
			return nil, fmt.Errorf("handler %s: %w", req.HandlerID, spgate.ErrCircuitOpen)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	resp, err := call(ctx, fn, req)
	if b != nil {
		if err != nil {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", req.HandlerID, err)
	}
	return resp, nil
}

// call turns a handler panic into an error so the breaker records the
// outcome and the failure is logged like any other.
func call(ctx context.Context, fn HandlerFunc, req spgate.ExecutionRequest) (resp *spgate.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, req)
}

// Start sets the context async pools run under. Pools created before Start
// keep the background context. Cancelling ctx does not abort queued
// commands; Close drains them.
func (r *Repository) Start(ctx context.Context) {
	r.poolMu.Lock()
	r.baseCtx = context.WithoutCancel(ctx)
	r.poolMu.Unlock()
}

// SubmitAsync enqueues req on its pool. The command name selects the handler.
func (r *Repository) SubmitAsync(_ context.Context, req spgate.AsyncRequest) error {
	if _, err := r.lookup(req.Command); err != nil {
		return err
	}
	pool, err := r.pool(req.Pool)
	if err != nil {
		return err
	}
	if err := pool.Submit(req); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			return fmt.Errorf("pool %s: %w", req.Pool, spgate.ErrPoolExhausted)
		}
		return fmt.Errorf("pool %s: %w", req.Pool, err)
	}
	return nil
}

func (r *Repository) pool(name string) (*worker.Pool[spgate.AsyncRequest], error) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	if r.closed {
		return nil, worker.ErrPoolStopped
	}
	if p, ok := r.pools[name]; ok {
		return p, nil
	}

	p := worker.NewPool(r.workers, r.queueSize, r.processAsync,
		worker.WithName[spgate.AsyncRequest](name),
		worker.WithObserver[spgate.AsyncRequest](r.observer))
	if err := p.Start(r.baseCtx); err != nil {
		return nil, err
	}
	r.pools[name] = p
	r.logger.Debug("async pool started", slog.String("pool", name))
	return p, nil
}

func (r *Repository) processAsync(ctx context.Context, req spgate.AsyncRequest) error {
	fn, err := r.lookup(req.Command)
	if err == nil {
		_, err = r.run(ctx, fn, spgate.ExecutionRequest{
			HandlerID: req.Command,
			Method:    req.Command,
			Target:    req.Command,
			Command: &protocol.Command{
				Name:       req.Command,
				Params:     req.Params,
				Payload:    req.Payload,
				RoutingKey: req.Command,
			},
		})
	}
	if err != nil {
		r.logger.Error("async command failed",
			slog.Any("err", &spgate.AsyncExecutionError{Command: req.Command, Pool: req.Pool, Err: err}))
	}
	return err
}

// Stats reports every pool created so far.
func (r *Repository) Stats() []worker.PoolStats {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	stats := make([]worker.PoolStats, 0, len(r.pools))
	for _, p := range r.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Close stops every pool, waiting up to timeout for queued work to drain.
// A non-positive timeout uses five seconds.
func (r *Repository) Close(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	r.poolMu.Lock()
	r.closed = true
	pools := r.pools
	r.pools = make(map[string]*worker.Pool[spgate.AsyncRequest])
	r.poolMu.Unlock()

	var errs []error
	for name, p := range pools {
		if err := p.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
