package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/config"
)

type issue struct {
	msg string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("validate-routes", flag.ExitOnError)
	var (
		configPath = fs.String("config", config.DefaultPath, "path to YAML config file")
		dotenv     = fs.String("dotenv", "", "optional .env file applied before SPGATE_* variables")
		requireAll = fs.Bool("require-all", false, "if true, every declared handler must be reachable from some endpoint")
	)
	_ = fs.Parse(args)

	res, err := config.Load(config.LoadOptions{Path: *configPath, PathExplicit: true, Dotenv: *dotenv})
	if err != nil {
		fmt.Printf("- %v\n", err)
		return 1
	}

	issues := validate(res.Config, *requireAll)
	if len(issues) == 0 {
		fmt.Printf("ok: routes look consistent (endpoints=%d routes=%d handlers=%d)\n",
			len(res.Config.Endpoints), countRoutes(res.Config), len(res.Config.Handlers))
		return 0
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].msg < issues[j].msg })
	for _, it := range issues {
		fmt.Printf("- %s\n", it.msg)
	}
	return 1
}

func validate(cfg *config.Config, requireAll bool) []issue {
	var issues []issue
	if err := cfg.Validate(); err != nil {
		issues = append(issues, flatten("", err)...)
	}
	issues = append(issues, validateRoutingTables(cfg)...)
	if requireAll {
		issues = append(issues, validateHandlersReachable(cfg)...)
	}
	return issues
}

// validateRoutingTables builds the table of every sync endpoint the way the
// gateway does at startup.
func validateRoutingTables(cfg *config.Config) []issue {
	var issues []issue
	for _, ep := range cfg.Endpoints {
		if ep.Mode != config.ModeSync {
			continue
		}
		if _, err := spgate.NewRoutingTable(ep.DefaultHandler, ep.Routes); err != nil {
			issues = append(issues, issue{msg: fmt.Sprintf("endpoint %s: %v", ep.Name, err)})
			continue
		}
		for key, h := range ep.Routes {
			if h == ep.DefaultHandler {
				issues = append(issues, issue{msg: fmt.Sprintf("endpoint %s: route %q repeats the default handler %s", ep.Name, key, h)})
			}
		}
	}
	return issues
}

func validateHandlersReachable(cfg *config.Config) []issue {
	used := map[string]bool{}
	for _, ep := range cfg.Endpoints {
		if ep.Mode != config.ModeSync {
			continue
		}
		used[ep.DefaultHandler] = true
		for _, h := range ep.Routes {
			used[h] = true
		}
	}
	var issues []issue
	for _, h := range cfg.Handlers {
		if !used[h] && !hasAsyncEndpoint(cfg) {
			issues = append(issues, issue{msg: fmt.Sprintf("handler %s is declared but no endpoint routes to it", h)})
		}
	}
	return issues
}

// hasAsyncEndpoint reports whether any handler may be reached by command
// name through an async endpoint.
func hasAsyncEndpoint(cfg *config.Config) bool {
	for _, ep := range cfg.Endpoints {
		if ep.Mode == config.ModeAsync {
			return true
		}
	}
	return false
}

// flatten turns nested validation errors into one issue per leaf.
func flatten(prefix string, err error) []issue {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		if prefix == "" {
			return []issue{{msg: err.Error()}}
		}
		return []issue{{msg: fmt.Sprintf("%s: %v", prefix, err)}}
	}

	keys := make([]string, 0, len(verrs))
	for k := range verrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var issues []issue
	for _, k := range keys {
		if verrs[k] == nil {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		issues = append(issues, flatten(path, verrs[k])...)
	}
	return issues
}

func countRoutes(cfg *config.Config) int {
	n := 0
	for _, ep := range cfg.Endpoints {
		n += len(ep.Routes)
	}
	return n
}
