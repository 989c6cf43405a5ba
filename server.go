package spgate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultAddr         = ":9000"
	defaultIdleTimeout  = 5 * time.Minute
	defaultWriteTimeout = 10 * time.Second
)

type serveOptions struct {
	addr         string
	idleTimeout  time.Duration
	writeTimeout time.Duration
	frameRate    int
	frameBurst   int
	logger       *slog.Logger
}

// ServeOption configures ListenAndServe, Serve and HandleConn.
type ServeOption func(*serveOptions)

// WithAddr sets the listen address used when ListenAndServe gets an empty addr.
func WithAddr(addr string) ServeOption {
	return func(o *serveOptions) { o.addr = addr }
}

// WithIdleTimeout closes a connection that sends nothing for d. Zero disables it.
func WithIdleTimeout(d time.Duration) ServeOption {
	return func(o *serveOptions) { o.idleTimeout = d }
}

// WithWriteTimeout bounds each response write. Zero disables it.
func WithWriteTimeout(d time.Duration) ServeOption {
	return func(o *serveOptions) { o.writeTimeout = d }
}

// WithRateLimit caps frames per second per connection. A non-positive rate
// disables the limit.
func WithRateLimit(rate, burst int) ServeOption {
	return func(o *serveOptions) {
		o.frameRate = rate
		o.frameBurst = burst
	}
}

func WithLogger(l *slog.Logger) ServeOption {
	return func(o *serveOptions) { o.logger = l }
}

func defaultServeOptions() serveOptions {
	return serveOptions{
		idleTimeout:  defaultIdleTimeout,
		writeTimeout: defaultWriteTimeout,
		frameRate:    defaultFrameRate,
		frameBurst:   defaultFrameBurst,
	}
}

func buildServeOptions(opts []ServeOption) serveOptions {
	o := defaultServeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// normalizeAddr picks the listen address: an explicit addr wins, then
// WithAddr, then the default.
func normalizeAddr(addr string, opts []ServeOption) string {
	if addr != "" {
		return addr
	}
	if o := buildServeOptions(opts); o.addr != "" {
		return o.addr
	}
	return defaultAddr
}

// ListenAndServe listens on TCP addr and serves d until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, d *Dispatcher, opts ...ServeOption) error {
	if d == nil {
		return ErrNoDispatcher
	}
	listener, err := net.Listen("tcp", normalizeAddr(addr, opts))
	if err != nil {
		return err
	}
	return ServeWithContext(ctx, listener, d, opts...)
}

// Serve is ServeWithContext with a background context.
func Serve(listener net.Listener, d *Dispatcher, opts ...ServeOption) error {
	return ServeWithContext(context.Background(), listener, d, opts...)
}

// ServeWithContext accepts connections from listener and runs one handler
// goroutine per connection. Cancelling ctx closes the listener and every
// live connection of d, then waits for the handlers to exit.
func ServeWithContext(ctx context.Context, listener net.Listener, d *Dispatcher, opts ...ServeOption) error {
	if d == nil {
		return ErrNoDispatcher
	}
	o := buildServeOptions(opts)
	log := o.logger.With(slog.String("endpoint", d.Endpoint()), slog.String("addr", listener.Addr().String()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = listener.Close()
			d.Registry().CloseAll()
		case <-stop:
		}
	}()
	defer close(stop)

	log.Info("endpoint listening")

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				log.Info("endpoint stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return err
			}
			backoff = nextAcceptBackoff(backoff)
			log.Warn("accept error", slog.Any("err", err), slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			if err := serveConn(ctx, c, d, o); err != nil {
				log.Debug("connection ended with error", slog.Any("err", err))
			}
		}(conn)
	}
}

func nextAcceptBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return 5 * time.Millisecond
	}
	cur *= 2
	if cur > time.Second {
		return time.Second
	}
	return cur
}
