package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gogogo1024/spgate/pkg/logger"
)

func main() {
	// Never start listeners from a test binary.
	if strings.HasSuffix(filepath.Base(os.Args[0]), ".test") {
		return
	}

	sc, err := loadConfig(os.Args[0], os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "spgate: invalid configuration: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(sc.cfg.Log.Level, sc.cfg.Log.AddSource, sc.cfg.Environment)
	slog.SetDefault(log)

	log.Info("configuration loaded",
		slog.String("config", sc.configPath),
		slog.Bool("config_loaded", sc.configLoaded),
		slog.String("dotenv", sc.dotenvPath),
		slog.Bool("dotenv_loaded", sc.dotenvLoaded),
		slog.String("idle_timeout", sc.cfg.Timeouts.Idle.String()),
		slog.String("idle_timeout_source", string(sc.sources.Of("timeouts.idle"))),
		slog.String("write_timeout", sc.cfg.Timeouts.Write.String()),
		slog.String("write_timeout_source", string(sc.sources.Of("timeouts.write"))),
		slog.String("async_backend", sc.cfg.Async.Backend),
		slog.String("async_backend_source", string(sc.sources.Of("async.backend"))),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, sc.cfg, log); err != nil {
		log.Error("gateway stopped", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("gateway stopped")
}
