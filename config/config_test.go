package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gogogo1024/spgate/config"
)

const validYAML = `
environment: staging
log:
  level: debug
timeouts:
  idle: 1m
  execute: 500ms
async:
  backend: redis
  redis:
    addr: "redis:6379"
endpoints:
  - name: http-main
    addr: ":8080"
    protocol: http
    routing_key: "header:X-Route"
    default_handler: defaultProxy
    routes:
      orders: ordersProxy
  - name: jobs
    addr: ":9000"
    protocol: command
handlers: [defaultProxy, ordersProxy]
`

var _ = Describe("Config", func() {
	var tempDir string

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "spgate-config-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		os.Unsetenv("SPGATE_IDLE_TIMEOUT")
		os.Unsetenv("SPGATE_LOG_LEVEL")
		os.Unsetenv("SPGATE_ASYNC_WORKERS")
		os.Unsetenv("SPGATE_ADMIN_ADDR")
	})

	writeFile := func(name, content string) string {
		path := filepath.Join(tempDir, name)
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	Describe("Parse", func() {
		It("layers the file over the defaults", func() {
			cfg, err := config.Parse([]byte(validYAML))
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Environment).To(Equal(config.EnvStaging))
			Expect(cfg.Log.Level).To(Equal(config.LogLevelDebug))
			Expect(cfg.Timeouts.Idle.Std()).To(Equal(time.Minute))
			Expect(cfg.Timeouts.Execute.Std()).To(Equal(500 * time.Millisecond))
			Expect(cfg.Timeouts.Write.Std()).To(Equal(10 * time.Second))
			Expect(cfg.Async.Workers).To(Equal(4))
			Expect(cfg.Async.Redis.Addr).To(Equal("redis:6379"))
			Expect(cfg.Async.Redis.KeyPrefix).To(Equal("spgate:async:"))
			Expect(cfg.Validate()).To(Succeed())
		})

		It("defaults endpoint modes by protocol", func() {
			cfg, err := config.Parse([]byte(validYAML))
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Endpoints[0].Mode).To(Equal(config.ModeSync))
			Expect(cfg.Endpoints[1].Mode).To(Equal(config.ModeAsync))
			name, ok := cfg.Endpoints[0].HeaderRoutingKey()
			Expect(ok).To(BeTrue())
			Expect(name).To(Equal("X-Route"))
		})

		It("rejects unknown keys", func() {
			_, err := config.Parse([]byte("environment: dev\nbogus: 1\n"))
			Expect(err).To(HaveOccurred())
		})

		It("rejects malformed durations", func() {
			_, err := config.Parse([]byte("timeouts:\n  idle: soon\n"))
			Expect(err).To(MatchError(ContainSubstring("invalid duration")))
		})
	})

	Describe("Validate", func() {
		var cfg *config.Config

		BeforeEach(func() {
			var err error
			cfg, err = config.Parse([]byte(validYAML))
			Expect(err).NotTo(HaveOccurred())
		})

		It("requires at least one endpoint", func() {
			cfg.Endpoints = nil
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("Endpoints")))
		})

		It("rejects an unknown environment", func() {
			cfg.Environment = "qa"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("Environment")))
		})

		It("requires a default handler on sync endpoints", func() {
			cfg.Endpoints[0].DefaultHandler = ""
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("DefaultHandler")))
		})

		It("rejects routes to undeclared handlers", func() {
			cfg.Endpoints[0].Routes["users"] = "usersProxy"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("usersProxy")))
		})

		It("rejects duplicate endpoint addresses", func() {
			cfg.Endpoints[1].Addr = ":8080"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("duplicate endpoint address")))
		})

		It("rejects a bad routing key", func() {
			cfg.Endpoints[0].RoutingKey = "cookie"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("RoutingKey")))
		})

		It("rejects routing keys on non-http endpoints", func() {
			cfg.Endpoints[1].RoutingKey = "path"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("RoutingKey")))
		})

		It("requires a redis address for the redis backend", func() {
			cfg.Async.Redis.Addr = ""
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("Addr")))
		})

		It("accepts a nats server list", func() {
			cfg.Async.Backend = config.BackendNATS
			cfg.Async.NATS.URL = "nats://a:4222, nats://b:4222"
			Expect(cfg.Validate()).To(Succeed())
		})

		It("rejects an invalid admin address", func() {
			cfg.Admin.Addr = "nope"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("Admin")))
		})

		It("allows the admin server to be disabled", func() {
			cfg.Admin.Addr = ""
			Expect(cfg.Validate()).To(Succeed())
		})
	})

	Describe("Load", func() {
		It("uses defaults when the default file is missing", func() {
			res, err := config.Load(config.LoadOptions{Path: filepath.Join(tempDir, "missing.yaml")})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FileLoaded).To(BeFalse())
			Expect(res.Config.Timeouts.Idle.Std()).To(Equal(5 * time.Minute))
			Expect(res.Sources.Of("timeouts.idle")).To(Equal(config.SourceDefault))
		})

		It("fails when an explicit file is missing", func() {
			_, err := config.Load(config.LoadOptions{Path: filepath.Join(tempDir, "missing.yaml"), PathExplicit: true})
			Expect(err).To(HaveOccurred())
		})

		It("records file and env sources", func() {
			path := writeFile("spgate.yaml", validYAML)
			os.Setenv("SPGATE_IDLE_TIMEOUT", "90s")

			res, err := config.Load(config.LoadOptions{Path: path})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FileLoaded).To(BeTrue())
			Expect(res.Config.Timeouts.Idle.Std()).To(Equal(90 * time.Second))
			Expect(res.Sources.Of("timeouts.idle")).To(Equal(config.SourceEnv))
			Expect(res.Sources.Of("log.level")).To(Equal(config.SourceFile))
			Expect(res.Sources.Of("endpoints")).To(Equal(config.SourceFile))
			Expect(res.Sources.Of("timeouts.write")).To(Equal(config.SourceDefault))
		})

		It("loads a .env file without overriding the environment", func() {
			path := writeFile("spgate.yaml", validYAML)
			dotenv := writeFile(".env", "SPGATE_LOG_LEVEL=warn\nSPGATE_ASYNC_WORKERS=7\n")
			os.Setenv("SPGATE_LOG_LEVEL", "error")

			res, err := config.Load(config.LoadOptions{Path: path, Dotenv: dotenv})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.DotenvLoaded).To(BeTrue())
			Expect(res.Config.Log.Level).To(Equal(config.LogLevelError))
			Expect(res.Config.Async.Workers).To(Equal(7))
		})

		It("rejects empty and malformed env values", func() {
			os.Setenv("SPGATE_ADMIN_ADDR", "")
			_, err := config.Load(config.LoadOptions{Path: filepath.Join(tempDir, "missing.yaml")})
			Expect(err).To(MatchError(ContainSubstring("SPGATE_ADMIN_ADDR is empty")))

			os.Unsetenv("SPGATE_ADMIN_ADDR")
			os.Setenv("SPGATE_ASYNC_WORKERS", "many")
			_, err = config.Load(config.LoadOptions{Path: filepath.Join(tempDir, "missing.yaml")})
			Expect(err).To(MatchError(ContainSubstring("invalid integer")))
		})
	})

	Describe("EnvName", func() {
		It("maps config keys to SPGATE_ variables", func() {
			Expect(config.EnvName("timeouts.idle")).To(Equal("SPGATE_IDLE_TIMEOUT"))
			Expect(config.EnvName("unknown")).To(BeEmpty())
		})
	})
})
