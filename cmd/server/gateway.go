package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/config"
	"github.com/gogogo1024/spgate/internal/admin"
	"github.com/gogogo1024/spgate/internal/breaker"
	"github.com/gogogo1024/spgate/internal/codec"
	"github.com/gogogo1024/spgate/internal/executor/local"
	"github.com/gogogo1024/spgate/internal/executor/natsq"
	"github.com/gogogo1024/spgate/internal/executor/redisq"
	"github.com/gogogo1024/spgate/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// endpoint is a configured dispatcher with its bound listener.
type endpoint struct {
	cfg        config.EndpointConfig
	dispatcher *spgate.Dispatcher
	listener   net.Listener
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := metrics.New()

	var breakers *breaker.Registry
	if cfg.Breaker.Threshold > 0 {
		breakers = breaker.NewRegistry(cfg.Breaker.Threshold, cfg.Breaker.Reset.Std(),
			breaker.OnStateChange(m.BreakerStateChanged))
	}

	repo := local.New(
		local.WithBreakers(breakers),
		local.WithTimeout(cfg.Timeouts.Execute.Std()),
		local.WithPoolSize(cfg.Async.Workers, cfg.Async.QueueSize),
		local.WithPoolObserver(m),
		local.WithLogger(log),
	)
	for _, name := range cfg.Handlers {
		repo.Register(name, echoHandler(name))
	}
	repo.Start(ctx)
	defer func() {
		if err := repo.Close(shutdownTimeout); err != nil {
			log.Warn("async pools did not drain", slog.Any("err", err))
		}
	}()

	submitter, closeSubmitter, err := newSubmitter(ctx, cfg.Async, repo)
	if err != nil {
		return err
	}
	defer closeSubmitter()

	endpoints, err := buildEndpoints(cfg, repo, submitter, m, log)
	if err != nil {
		return err
	}

	opts := []spgate.ServeOption{
		spgate.WithIdleTimeout(cfg.Timeouts.Idle.Std()),
		spgate.WithWriteTimeout(cfg.Timeouts.Write.Std()),
		spgate.WithRateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst),
		spgate.WithLogger(log),
	}

	g, gctx := errgroup.WithContext(ctx)
	dispatchers := make([]*spgate.Dispatcher, 0, len(endpoints))
	for _, ep := range endpoints {
		dispatchers = append(dispatchers, ep.dispatcher)
		log.Info("spgate listening",
			slog.String("endpoint", ep.cfg.Name),
			slog.String("addr", ep.listener.Addr().String()),
			slog.String("protocol", ep.cfg.Protocol),
			slog.String("mode", ep.cfg.Mode))
		g.Go(func() error {
			return spgate.ServeWithContext(gctx, ep.listener, ep.dispatcher, opts...)
		})
	}

	if cfg.Admin.Addr != "" {
		svc := admin.NewService(dispatchers,
			admin.WithMetrics(m.Handler()),
			admin.WithPoolStats(repo.Stats),
			admin.WithBreakers(breakers))
		srv := &http.Server{
			Addr:         cfg.Admin.Addr,
			Handler:      svc.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin service listening", slog.String("addr", cfg.Admin.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// buildEndpoints creates every dispatcher and binds its listener. Listeners
// already bound are closed if a later endpoint fails.
func buildEndpoints(cfg *config.Config, resolver spgate.ExecutorResolver, submitter spgate.AsyncSubmitter, m *metrics.Metrics, log *slog.Logger) ([]endpoint, error) {
	var out []endpoint
	fail := func(err error) ([]endpoint, error) {
		for _, ep := range out {
			_ = ep.listener.Close()
		}
		return nil, err
	}

	for _, epc := range cfg.Endpoints {
		d, err := newDispatcher(epc, resolver, submitter, m, log)
		if err != nil {
			return fail(err)
		}
		ln, err := net.Listen("tcp", epc.Addr)
		if err != nil {
			return fail(&spgate.ConfigurationError{Endpoint: epc.Name, Err: err})
		}
		out = append(out, endpoint{cfg: epc, dispatcher: d, listener: ln})
	}
	return out, nil
}

func newDispatcher(epc config.EndpointConfig, resolver spgate.ExecutorResolver, submitter spgate.AsyncSubmitter, m *metrics.Metrics, log *slog.Logger) (*spgate.Dispatcher, error) {
	mode, err := spgate.ParseMode(epc.Mode)
	if err != nil {
		return nil, &spgate.ConfigurationError{Endpoint: epc.Name, Err: err}
	}
	c, err := newCodec(epc)
	if err != nil {
		return nil, &spgate.ConfigurationError{Endpoint: epc.Name, Err: err}
	}

	dc := spgate.DispatcherConfig{
		Endpoint:      epc.Name,
		Mode:          mode,
		Codec:         c,
		RequestLogger: spgate.SlogRequestLogger{Logger: log},
		Logger:        log,
		Observer:      m,
	}
	if mode == spgate.ModeSync {
		routes, err := spgate.NewRoutingTable(epc.DefaultHandler, epc.Routes,
			spgate.WithRouteLogger(log.With(slog.String("endpoint", epc.Name))),
			spgate.OnFallback(m.RouteFallback(epc.Name)))
		if err != nil {
			return nil, &spgate.ConfigurationError{Endpoint: epc.Name, Err: err}
		}
		dc.Routes = routes
		dc.Resolver = resolver
	} else {
		dc.Submitter = submitter
	}
	return spgate.NewDispatcher(dc)
}

func newCodec(epc config.EndpointConfig) (spgate.Codec, error) {
	switch epc.Protocol {
	case config.ProtocolHTTP:
		var key codec.RoutingKeyFunc
		switch {
		case epc.RoutingKey == config.RoutingKeyHost:
			key = codec.Host
		case epc.RoutingKey == config.RoutingKeyPath, epc.RoutingKey == "":
			key = codec.PathPrefix
		default:
			name, ok := epc.HeaderRoutingKey()
			if !ok {
				return nil, fmt.Errorf("invalid routing key %q", epc.RoutingKey)
			}
			key = codec.Header(name)
		}
		return codec.NewHTTP(codec.WithRoutingKey(key)), nil
	case config.ProtocolCommand:
		return codec.NewCommand(), nil
	case config.ProtocolThrift:
		return codec.NewThrift(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", epc.Protocol)
	}
}

// newSubmitter picks the async backend. The returned close func is never nil.
func newSubmitter(ctx context.Context, ac config.AsyncConfig, repo *local.Repository) (spgate.AsyncSubmitter, func(), error) {
	switch ac.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     ac.Redis.Addr,
			Password: ac.Redis.Password,
			DB:       ac.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		s := redisq.NewSubmitter(rdb, ac.Redis.KeyPrefix, ac.Redis.MaxLen)
		return s, func() { _ = s.Close() }, nil
	case config.BackendNATS:
		s, err := natsq.Connect(ac.NATS.URL, ac.NATS.SubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return repo, func() {}, nil
	}
}
