package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath   = "spgate.yaml"
	DefaultDotenv = ".env"
	EnvPrefix     = "SPGATE_"
)

// Source records which layer last set a value.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Sources maps dotted config keys (e.g. "timeouts.idle") to the layer that
// set them. Keys never set report SourceDefault.
type Sources map[string]Source

func (s Sources) Of(key string) Source {
	if src, ok := s[key]; ok {
		return src
	}
	return SourceDefault
}

// Set marks key as overridden by src.
func (s Sources) Set(key string, src Source) {
	s[key] = src
}

type LoadOptions struct {
	// Path is the YAML file. A missing file is an error only when
	// PathExplicit is set.
	Path         string
	PathExplicit bool
	// Dotenv is loaded before the environment is read. Empty skips it.
	Dotenv string
}

// Result is a loaded configuration with its provenance.
type Result struct {
	Config       *Config
	Sources      Sources
	Path         string
	FileLoaded   bool
	DotenvPath   string
	DotenvLoaded bool
}

// Load layers defaults, the YAML file, the .env file and SPGATE_*
// environment variables, in that order. The result is normalized but not
// validated so callers can apply flag overrides first.
func Load(opts LoadOptions) (*Result, error) {
	res := &Result{Config: Default(), Sources: Sources{}}

	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	res.Path = path

	loaded, err := readFile(path, res.Config, res.Sources)
	switch {
	case err == nil:
		res.FileLoaded = loaded
	case errors.Is(err, os.ErrNotExist) && !opts.PathExplicit:
	default:
		return nil, err
	}

	if opts.Dotenv != "" {
		res.DotenvPath = opts.Dotenv
		res.DotenvLoaded, err = loadDotenv(opts.Dotenv)
		if err != nil {
			return nil, err
		}
	}

	if err := applyEnv(res.Config, res.Sources); err != nil {
		return nil, err
	}
	res.Config.normalize()
	return res, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg, Sources{}); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func readFile(path string, cfg *Config, sources Sources) (bool, error) {
	fd, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fd.Close()

	b, err := io.ReadAll(fd)
	if err != nil {
		return false, err
	}
	if err := decode(b, cfg, sources); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func decode(data []byte, cfg *Config, sources Sources) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	// A second pass over a generic tree records which keys the file set.
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	markSources("", tree, sources)
	return nil
}

func markSources(prefix string, tree map[string]interface{}, sources Sources) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok && key != "endpoints" {
			markSources(key, sub, sources)
			continue
		}
		sources.Set(key, SourceFile)
	}
}

// loadDotenv never overrides variables already present in the environment.
func loadDotenv(path string) (bool, error) {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

type envBinding struct {
	name  string
	key   string
	apply func(cfg *Config, v string) error
}

var envBindings = []envBinding{
	{"ENV", "environment", stringField(func(c *Config) *string { return &c.Environment })},
	{"LOG_LEVEL", "log.level", stringField(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_ADD_SOURCE", "log.add_source", boolField(func(c *Config) *bool { return &c.Log.AddSource })},
	{"ADMIN_ADDR", "admin.addr", stringField(func(c *Config) *string { return &c.Admin.Addr })},
	{"IDLE_TIMEOUT", "timeouts.idle", durationField(func(c *Config) *Duration { return &c.Timeouts.Idle })},
	{"WRITE_TIMEOUT", "timeouts.write", durationField(func(c *Config) *Duration { return &c.Timeouts.Write })},
	{"EXECUTE_TIMEOUT", "timeouts.execute", durationField(func(c *Config) *Duration { return &c.Timeouts.Execute })},
	{"RATE_LIMIT_RATE", "rate_limit.rate", intField(func(c *Config) *int { return &c.RateLimit.Rate })},
	{"RATE_LIMIT_BURST", "rate_limit.burst", intField(func(c *Config) *int { return &c.RateLimit.Burst })},
	{"ASYNC_BACKEND", "async.backend", stringField(func(c *Config) *string { return &c.Async.Backend })},
	{"ASYNC_WORKERS", "async.workers", intField(func(c *Config) *int { return &c.Async.Workers })},
	{"REDIS_ADDR", "async.redis.addr", stringField(func(c *Config) *string { return &c.Async.Redis.Addr })},
	{"REDIS_PASSWORD", "async.redis.password", stringField(func(c *Config) *string { return &c.Async.Redis.Password })},
	{"NATS_URL", "async.nats.url", stringField(func(c *Config) *string { return &c.Async.NATS.URL })},
}

// EnvName returns the environment variable bound to a dotted config key.
func EnvName(key string) string {
	for _, b := range envBindings {
		if b.key == key {
			return EnvPrefix + b.name
		}
	}
	return ""
}

func applyEnv(cfg *Config, sources Sources) error {
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if v == "" {
			return fmt.Errorf("env %s is empty", name)
		}
		if err := b.apply(cfg, v); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		sources.Set(b.key, SourceEnv)
	}
	return nil
}

func stringField(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func durationField(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		*field(c) = Duration(d)
		return nil
	}
}

func boolField(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		*field(c) = b
		return nil
	}
}

func intField(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		*field(c) = n
		return nil
	}
}
