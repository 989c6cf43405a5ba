// Package redisq submits async commands to Redis lists, one list per pool.
// Consumers BRPOP the list and decode the JSON envelope.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gogogo1024/spgate"
)

const DefaultKeyPrefix = "spgate:async:"

// Envelope is the JSON document pushed for every command.
type Envelope struct {
	Command     string            `json:"command"`
	Pool        string            `json:"pool"`
	Params      map[string]string `json:"params,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

type Submitter struct {
	c      *redis.Client
	prefix string
	// maxLen caps each pool list; zero leaves lists unbounded.
	maxLen int64
}

var _ spgate.AsyncSubmitter = (*Submitter)(nil)

func NewSubmitter(c *redis.Client, keyPrefix string, maxLen int64) *Submitter {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Submitter{c: c, prefix: keyPrefix, maxLen: maxLen}
}

func (s *Submitter) Client() *redis.Client {
	return s.c
}

// Key returns the list a pool's commands are pushed to.
func (s *Submitter) Key(pool string) string {
	return s.prefix + pool
}

func (s *Submitter) SubmitAsync(ctx context.Context, req spgate.AsyncRequest) error {
	if req.Command == "" {
		return errors.New("command is required")
	}
	data, err := json.Marshal(envelopeFor(req, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	key := s.Key(req.Pool)
	if s.maxLen <= 0 {
		if err := s.c.LPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("redis lpush %s: %w", key, err)
		}
		return nil
	}

	// A full list refuses the command instead of trimming.
	n, err := s.c.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis llen %s: %w", key, err)
	}
	if n >= s.maxLen {
		return fmt.Errorf("pool %s: %w", req.Pool, spgate.ErrPoolExhausted)
	}
	if err := s.c.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

func (s *Submitter) Close() error {
	return s.c.Close()
}

func envelopeFor(req spgate.AsyncRequest, now time.Time) Envelope {
	return Envelope{
		Command:     req.Command,
		Pool:        req.Pool,
		Params:      req.Params,
		Payload:     req.Payload,
		SubmittedAt: now,
	}
}

// DecodeEnvelope parses a list entry written by SubmitAsync.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Command == "" {
		return Envelope{}, errors.New("decode envelope: missing command")
	}
	return env, nil
}
