package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/internal/codec"
	"github.com/gogogo1024/spgate/protocol"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "spgate-client: %v\n", err)
		os.Exit(1)
	}
}

type clientConfig struct {
	addr     string
	command  string
	params   paramFlags
	payload  string
	oneWay   bool
	compress bool
	timeout  time.Duration
}

// paramFlags collects repeated -param key=value flags.
type paramFlags map[string]string

func (p paramFlags) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("param %q: want key=value", s)
	}
	p[k] = v
	return nil
}

func run(args []string, out io.Writer) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", cfg.addr, cfg.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	cmd := &protocol.Command{
		Name:    cfg.command,
		Params:  cfg.params,
		Payload: []byte(cfg.payload),
	}
	if err := send(conn, cmd, cfg.frameFlags()); err != nil {
		return err
	}

	// One-way commands get no reply.
	if cfg.oneWay {
		fmt.Fprintf(out, "sent one-way: %s\n", cmd)
		return nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.timeout))
	resp, err := codec.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	printResponse(out, resp)
	return nil
}

func parseFlags(args []string) (clientConfig, error) {
	cfg := clientConfig{params: paramFlags{}}
	fs := flag.NewFlagSet("spgate-client", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", "127.0.0.1:9000", "command endpoint address")
	fs.StringVar(&cfg.command, "cmd", "", "command name")
	fs.Var(cfg.params, "param", "command parameter key=value (repeatable)")
	fs.StringVar(&cfg.payload, "payload", "ping", "payload string")
	fs.BoolVar(&cfg.oneWay, "oneway", false, "send without waiting for a reply")
	fs.BoolVar(&cfg.compress, "gzip", false, "gzip the frame body")
	fs.DurationVar(&cfg.timeout, "timeout", 3*time.Second, "dial and read timeout")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.command == "" {
		return cfg, fmt.Errorf("-cmd is required")
	}
	return cfg, nil
}

func (c clientConfig) frameFlags() uint8 {
	var flags uint8
	if c.oneWay {
		flags |= protocol.FlagOneWay
	}
	if c.compress {
		flags |= protocol.FlagCompressed
	}
	return flags
}

func send(conn net.Conn, cmd *protocol.Command, flags uint8) error {
	bw := bufio.NewWriter(conn)
	if err := codec.WriteCommand(bw, cmd, flags); err != nil {
		return err
	}
	return bw.Flush()
}

func printResponse(out io.Writer, resp *spgate.Response) {
	fmt.Fprintf(out, "status: %d\n", resp.StatusCode)
	for _, h := range resp.Headers {
		fmt.Fprintf(out, "%s: %s\n", h.Name, h.Value)
	}
	fmt.Fprintf(out, "\n%s\n", resp.Body)
}
