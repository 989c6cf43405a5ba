package main

import (
	"flag"
	"io"
	"path/filepath"

	"github.com/gogogo1024/spgate/config"
)

type serverConfig struct {
	cfg     *config.Config
	sources config.Sources

	configPath   string
	configLoaded bool
	dotenvPath   string
	dotenvLoaded bool
}

// flagBinding ties a command-line flag to the config key it overrides.
type flagBinding struct {
	flag  string
	key   string
	apply func(cfg *config.Config)
}

func loadConfig(name string, args []string) (serverConfig, error) {
	configPath, explicit := parseConfigPath(args, config.DefaultPath)
	res, err := config.Load(config.LoadOptions{
		Path:         configPath,
		PathExplicit: explicit,
		Dotenv:       config.DefaultDotenv,
	})
	if err != nil {
		return serverConfig{}, err
	}
	cfg := res.Config

	fs := flag.NewFlagSet(filepath.Base(name), flag.ExitOnError)
	fs.String("config", configPath, "path to YAML config file")
	adminAddr := fs.String("admin-addr", cfg.Admin.Addr, "admin listen address (empty disables)")
	logLevel := fs.String("log-level", cfg.Log.Level, "log level: debug|info|warn|error")
	idleTimeout := fs.Duration("idle-timeout", cfg.Timeouts.Idle.Std(), "connection idle timeout (0 to disable)")
	writeTimeout := fs.Duration("write-timeout", cfg.Timeouts.Write.Std(), "response write timeout (0 to disable)")
	executeTimeout := fs.Duration("execute-timeout", cfg.Timeouts.Execute.Std(), "per-request execution timeout (0 to disable)")
	asyncBackend := fs.String("async-backend", cfg.Async.Backend, "async backend: local|redis|nats")
	_ = fs.Parse(args)

	bindings := []flagBinding{
		{"admin-addr", "admin.addr", func(c *config.Config) { c.Admin.Addr = *adminAddr }},
		{"log-level", "log.level", func(c *config.Config) { c.Log.Level = *logLevel }},
		{"idle-timeout", "timeouts.idle", func(c *config.Config) { c.Timeouts.Idle = config.Duration(*idleTimeout) }},
		{"write-timeout", "timeouts.write", func(c *config.Config) { c.Timeouts.Write = config.Duration(*writeTimeout) }},
		{"execute-timeout", "timeouts.execute", func(c *config.Config) { c.Timeouts.Execute = config.Duration(*executeTimeout) }},
		{"async-backend", "async.backend", func(c *config.Config) { c.Async.Backend = *asyncBackend }},
	}
	set := visitedFlags(fs)
	for _, b := range bindings {
		if isFlagSet(b.flag, set) {
			b.apply(cfg)
			res.Sources.Set(b.key, config.SourceFlag)
		}
	}

	if err := cfg.Validate(); err != nil {
		return serverConfig{}, err
	}

	return serverConfig{
		cfg:          cfg,
		sources:      res.Sources,
		configPath:   res.Path,
		configLoaded: res.FileLoaded,
		dotenvPath:   res.DotenvPath,
		dotenvLoaded: res.DotenvLoaded,
	}, nil
}

func isFlagSet(name string, set map[string]bool) bool {
	return set != nil && set[name]
}

func visitedFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func parseConfigPath(args []string, defaultValue string) (string, bool) {
	fs := flag.NewFlagSet("preconfig", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", defaultValue, "path to YAML config file")
	// The real flags are declared too so parsing does not stop before -config.
	fs.Bool("h", false, "")
	for _, name := range []string{"admin-addr", "log-level", "async-backend"} {
		fs.String(name, "", "")
	}
	for _, name := range []string{"idle-timeout", "write-timeout", "execute-timeout"} {
		fs.Duration(name, 0, "")
	}
	_ = fs.Parse(args)
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	return *path, explicit
}
