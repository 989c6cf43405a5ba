package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	ProtocolHTTP    = "http"
	ProtocolCommand = "command"
	ProtocolThrift  = "thrift"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

const (
	RoutingKeyPath         = "path"
	RoutingKeyHost         = "host"
	RoutingKeyHeaderPrefix = "header:"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Duration reads Go duration strings such as "5m" or "250ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", n.Line, err)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

type LogConfig struct {
	Level     string `yaml:"level"`
	AddSource bool   `yaml:"add_source"`
}

type AdminConfig struct {
	// Addr empty disables the admin server.
	Addr string `yaml:"addr"`
}

type TimeoutConfig struct {
	Idle    Duration `yaml:"idle"`
	Write   Duration `yaml:"write"`
	Execute Duration `yaml:"execute"`
}

type RateLimitConfig struct {
	// Rate is frames per second per connection; zero disables limiting.
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`
}

type BreakerConfig struct {
	// Threshold zero disables circuit breaking.
	Threshold int      `yaml:"threshold"`
	Reset     Duration `yaml:"reset"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	MaxLen    int64  `yaml:"max_len"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AsyncConfig struct {
	Backend   string      `yaml:"backend"`
	Workers   int         `yaml:"workers"`
	QueueSize int         `yaml:"queue_size"`
	Redis     RedisConfig `yaml:"redis"`
	NATS      NATSConfig  `yaml:"nats"`
}

type EndpointConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	Protocol string `yaml:"protocol"`
	// Mode defaults to async for the command protocol and sync otherwise.
	Mode           string            `yaml:"mode"`
	RoutingKey     string            `yaml:"routing_key"`
	DefaultHandler string            `yaml:"default_handler"`
	Routes         map[string]string `yaml:"routes"`
}

type Config struct {
	Environment string           `yaml:"environment"`
	Log         LogConfig        `yaml:"log"`
	Admin       AdminConfig      `yaml:"admin"`
	Timeouts    TimeoutConfig    `yaml:"timeouts"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Breaker     BreakerConfig    `yaml:"breaker"`
	Async       AsyncConfig      `yaml:"async"`
	Endpoints   []EndpointConfig `yaml:"endpoints"`
	Handlers    []string         `yaml:"handlers"`
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() *Config {
	return &Config{
		Environment: EnvDev,
		Log:         LogConfig{Level: LogLevelInfo},
		Admin:       AdminConfig{Addr: ":9100"},
		Timeouts: TimeoutConfig{
			Idle:    Duration(5 * time.Minute),
			Write:   Duration(10 * time.Second),
			Execute: Duration(2 * time.Second),
		},
		RateLimit: RateLimitConfig{Rate: 100, Burst: 200},
		Breaker:   BreakerConfig{Threshold: 5, Reset: Duration(30 * time.Second)},
		Async: AsyncConfig{
			Backend:   BackendLocal,
			Workers:   4,
			QueueSize: 1024,
			Redis:     RedisConfig{Addr: "localhost:6379", KeyPrefix: "spgate:async:"},
			NATS:      NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: "spgate.async"},
		},
	}
}

// normalize fills per-endpoint defaults that depend on other fields.
func (c *Config) normalize() {
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		ep.Protocol = strings.ToLower(strings.TrimSpace(ep.Protocol))
		ep.Mode = strings.ToLower(strings.TrimSpace(ep.Mode))
		if ep.Mode == "" {
			ep.Mode = ModeSync
			if ep.Protocol == ProtocolCommand {
				ep.Mode = ModeAsync
			}
		}
		if ep.RoutingKey == "" && ep.Protocol == ProtocolHTTP {
			ep.RoutingKey = RoutingKeyPath
		}
	}
}

// HeaderRoutingKey returns the header name of a "header:<name>" routing key.
func (e EndpointConfig) HeaderRoutingKey() (string, bool) {
	if !strings.HasPrefix(e.RoutingKey, RoutingKeyHeaderPrefix) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(e.RoutingKey, RoutingKeyHeaderPrefix))
	return name, name != ""
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&c.Log),
		validation.Field(&c.Admin),
		validation.Field(&c.Timeouts),
		validation.Field(&c.RateLimit),
		validation.Field(&c.Breaker),
		validation.Field(&c.Async),
		validation.Field(&c.Endpoints,
			validation.Required,
			validation.Length(1, 0),
			validation.By(uniqueEndpoints),
			validation.By(c.handlersKnown),
		),
		validation.Field(&c.Handlers,
			validation.Required,
			validation.Each(validation.Required),
			validation.By(uniqueStrings),
		),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

func (a AdminConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Addr, validation.By(validateHostPort)),
	)
}

func (t TimeoutConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Idle, validation.Min(0)),
		validation.Field(&t.Write, validation.Min(0)),
		validation.Field(&t.Execute, validation.Min(0)),
	)
}

func (r RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Rate, validation.Min(0)),
		validation.Field(&r.Burst, validation.Min(0), validation.When(r.Rate > 0, validation.Required)),
	)
}

func (b BreakerConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Threshold, validation.Min(0)),
		validation.Field(&b.Reset, validation.When(b.Threshold > 0, validation.Required, validation.Min(1))),
	)
}

func (a AsyncConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Backend,
			validation.Required,
			validation.In(BackendLocal, BackendRedis, BackendNATS),
		),
		validation.Field(&a.Workers, validation.Required, validation.Min(1)),
		validation.Field(&a.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&a.Redis, validation.When(a.Backend == BackendRedis, validation.By(func(value interface{}) error {
			rc, ok := value.(RedisConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a RedisConfig")
			}
			return validation.ValidateStruct(&rc,
				validation.Field(&rc.Addr, validation.Required, validation.By(validateHostPort)),
				validation.Field(&rc.DB, validation.Min(0)),
				validation.Field(&rc.MaxLen, validation.Min(0)),
			)
		}))),
		validation.Field(&a.NATS, validation.When(a.Backend == BackendNATS, validation.By(func(value interface{}) error {
			nc, ok := value.(NATSConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a NATSConfig")
			}
			return validation.ValidateStruct(&nc,
				validation.Field(&nc.URL, validation.Required, validation.By(validateServerURLs)),
			)
		}))),
	)
}

func (e EndpointConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Name, validation.Required),
		validation.Field(&e.Addr, validation.Required, validation.By(validateHostPort)),
		validation.Field(&e.Protocol,
			validation.Required,
			validation.In(ProtocolHTTP, ProtocolCommand, ProtocolThrift),
		),
		validation.Field(&e.Mode,
			validation.Required,
			validation.In(ModeSync, ModeAsync),
		),
		validation.Field(&e.RoutingKey,
			validation.When(e.Protocol == ProtocolHTTP, validation.By(validateRoutingKey)),
			validation.When(e.Protocol != ProtocolHTTP, validation.Empty.Error("is only supported for the http protocol")),
		),
		validation.Field(&e.DefaultHandler, validation.When(e.Mode == ModeSync, validation.Required)),
		validation.Field(&e.Routes, validation.When(e.Mode == ModeAsync, validation.Empty.Error("are not used by async endpoints"))),
	)
}

func validateRoutingKey(value interface{}) error {
	key, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	switch {
	case key == RoutingKeyPath, key == RoutingKeyHost:
		return nil
	case strings.HasPrefix(key, RoutingKeyHeaderPrefix):
		if strings.TrimSpace(strings.TrimPrefix(key, RoutingKeyHeaderPrefix)) == "" {
			return validation.NewError("validation_invalid_routing_key", "header routing key needs a header name")
		}
		return nil
	default:
		return validation.NewError("validation_invalid_routing_key", "must be path, host or header:<name>")
	}
}

// validateServerURLs accepts a comma separated list of scheme://host URLs.
func validateServerURLs(value interface{}) error {
	list, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	for _, raw := range strings.Split(list, ",") {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return validation.NewError("validation_invalid_url", "must be a valid URL")
		}
		if u.Scheme == "" || u.Host == "" {
			return validation.NewError("validation_invalid_url", "URL must have a scheme and a host")
		}
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func uniqueEndpoints(value interface{}) error {
	eps, ok := value.([]EndpointConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of endpoints")
	}
	names := make(map[string]bool, len(eps))
	addrs := make(map[string]bool, len(eps))
	for _, ep := range eps {
		if ep.Name != "" && names[ep.Name] {
			return validation.NewError("validation_duplicate_endpoint", fmt.Sprintf("duplicate endpoint name %q", ep.Name))
		}
		if ep.Addr != "" && addrs[ep.Addr] {
			return validation.NewError("validation_duplicate_addr", fmt.Sprintf("duplicate endpoint address %q", ep.Addr))
		}
		names[ep.Name] = true
		addrs[ep.Addr] = true
	}
	return nil
}

// handlersKnown checks every handler an endpoint routes to is declared.
func (c Config) handlersKnown(value interface{}) error {
	eps, ok := value.([]EndpointConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of endpoints")
	}
	known := make(map[string]bool, len(c.Handlers))
	for _, h := range c.Handlers {
		known[h] = true
	}
	for _, ep := range eps {
		if ep.DefaultHandler != "" && !known[ep.DefaultHandler] {
			return validation.NewError("validation_unknown_handler",
				fmt.Sprintf("endpoint %q: unknown default handler %q", ep.Name, ep.DefaultHandler))
		}
		for key, h := range ep.Routes {
			if !known[h] {
				return validation.NewError("validation_unknown_handler",
					fmt.Sprintf("endpoint %q: route %q targets unknown handler %q", ep.Name, key, h))
			}
		}
	}
	return nil
}

func uniqueStrings(value interface{}) error {
	list, ok := value.([]string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of strings")
	}
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		if seen[s] {
			return validation.NewError("validation_duplicate", fmt.Sprintf("duplicate entry %q", s))
		}
		seen[s] = true
	}
	return nil
}
