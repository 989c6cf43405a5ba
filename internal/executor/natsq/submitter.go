// Package natsq publishes async commands to NATS, one subject per pool.
package natsq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/gogogo1024/spgate"
)

const (
	DefaultSubjectPrefix = "spgate.async"

	HeaderCommand     = "Spgate-Command"
	HeaderPool        = "Spgate-Pool"
	HeaderParamPrefix = "Spgate-Param-"
)

type Submitter struct {
	nc     *nats.Conn
	prefix string
}

var _ spgate.AsyncSubmitter = (*Submitter)(nil)

func NewSubmitter(nc *nats.Conn, subjectPrefix string) *Submitter {
	subjectPrefix = strings.TrimSuffix(subjectPrefix, ".")
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Submitter{nc: nc, prefix: subjectPrefix}
}

// Connect dials url and returns a submitter owning the connection.
func Connect(url, subjectPrefix string, opts ...nats.Option) (*Submitter, error) {
	opts = append([]nats.Option{nats.Name("spgate")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return NewSubmitter(nc, subjectPrefix), nil
}

// Subject returns the subject a pool's commands are published on.
func (s *Submitter) Subject(pool string) string {
	return s.prefix + "." + subjectToken(pool)
}

func (s *Submitter) SubmitAsync(ctx context.Context, req spgate.AsyncRequest) error {
	if req.Command == "" {
		return errors.New("command is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := s.message(req)
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (s *Submitter) message(req spgate.AsyncRequest) *nats.Msg {
	msg := nats.NewMsg(s.Subject(req.Pool))
	msg.Header.Set(HeaderCommand, req.Command)
	msg.Header.Set(HeaderPool, req.Pool)
	for k, v := range req.Params {
		msg.Header.Set(HeaderParamPrefix+k, v)
	}
	msg.Data = req.Payload
	return msg
}

// Close drains pending publishes and closes the connection.
func (s *Submitter) Close() error {
	return s.nc.Drain()
}

// RequestFromMsg rebuilds the submitted command on the consumer side.
func RequestFromMsg(msg *nats.Msg) (spgate.AsyncRequest, error) {
	cmd := msg.Header.Get(HeaderCommand)
	if cmd == "" {
		return spgate.AsyncRequest{}, fmt.Errorf("message on %s has no %s header", msg.Subject, HeaderCommand)
	}
	req := spgate.AsyncRequest{
		Command: cmd,
		Pool:    msg.Header.Get(HeaderPool),
		Payload: msg.Data,
	}
	for k, vs := range msg.Header {
		if !strings.HasPrefix(k, HeaderParamPrefix) || len(vs) == 0 {
			continue
		}
		if req.Params == nil {
			req.Params = make(map[string]string)
		}
		req.Params[strings.TrimPrefix(k, HeaderParamPrefix)] = vs[0]
	}
	return req, nil
}

// subjectToken maps a pool name onto a single NATS subject token.
func subjectToken(pool string) string {
	if pool == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, pool)
}
