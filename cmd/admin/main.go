package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gogogo1024/spgate/internal/admin"
)

const usage = `usage: spgate-admin [flags] <command> [args]

commands:
  health               gateway liveness and uptime
  connections          live connections per endpoint
  close <id>           close one connection
  routes               routing tables per endpoint
  pools                async pool statistics
  breakers             circuit breaker states
`

func main() {
	if err := run(os.Args[1:], os.Stdout, http.DefaultClient); err != nil {
		fmt.Fprintf(os.Stderr, "spgate-admin: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, client *http.Client) error {
	fs := flag.NewFlagSet("spgate-admin", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	var (
		addr     = fs.String("addr", "http://127.0.0.1:9100", "admin service base URL")
		endpoint = fs.String("endpoint", "", "only show connections of this endpoint")
		page     = fs.Int("page", 1, "connections page")
		pageSize = fs.Int("page-size", 50, "connections per page")
		timeout  = fs.Duration("timeout", 5*time.Second, "request timeout")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	c := &adminClient{base: strings.TrimRight(*addr, "/"), http: client, timeout: *timeout}
	switch cmd := fs.Arg(0); cmd {
	case "health":
		return c.get(out, "/healthz", nil)
	case "connections":
		q := url.Values{}
		if *endpoint != "" {
			q.Set("endpoint", *endpoint)
		}
		q.Set("page", fmt.Sprint(*page))
		q.Set("page_size", fmt.Sprint(*pageSize))
		return c.get(out, "/v1/connections", q)
	case "close":
		if fs.NArg() < 2 {
			return fmt.Errorf("close: missing connection id")
		}
		return c.do(out, http.MethodDelete, "/v1/connections", url.Values{"id": {fs.Arg(1)}})
	case "routes":
		return c.get(out, "/v1/routes", nil)
	case "pools":
		return c.get(out, "/v1/pools", nil)
	case "breakers":
		return c.get(out, "/v1/breakers", nil)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type adminClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

func (c *adminClient) get(out io.Writer, path string, q url.Values) error {
	return c.do(out, http.MethodGet, path, q)
}

// do calls the admin API and prints the data of a successful response.
func (c *adminClient) do(out io.Writer, method, path string, q url.Values) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}

	client := *c.http
	client.Timeout = c.timeout
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(body))
	}

	var env admin.Response
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%s %s: %d %s", method, path, env.Code, env.Message)
	}

	pretty, err := json.MarshalIndent(env.Data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", pretty)
	return err
}
