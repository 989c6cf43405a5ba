package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ParamPool names the optional command parameter that selects an execution pool.
const ParamPool = "pool"

// Command is the protocol-neutral request produced by every wire decoder.
// A Command is built fresh for each inbound frame and must not be mutated
// once handed to the dispatcher.
type Command struct {
	Name       string
	Params     map[string]string
	Payload    []byte
	RoutingKey string

	// Target is the protocol-specific address of the request, e.g. the HTTP
	// request URI. Empty means the routing key is the target.
	Target string
}

// Param returns the named parameter, or "" when absent.
func (c *Command) Param(key string) string {
	if c == nil || c.Params == nil {
		return ""
	}
	return c.Params[key]
}

// TargetOrKey returns Target, falling back to RoutingKey.
func (c *Command) TargetOrKey() string {
	if c.Target != "" {
		return c.Target
	}
	return c.RoutingKey
}

func (c *Command) String() string {
	return fmt.Sprintf("Command{name=%q key=%q params=%d payload=%dB}", c.Name, c.RoutingKey, len(c.Params), len(c.Payload))
}

var ErrShortCommand = errors.New("command body too short")

// EncodeCommand renders the command body carried inside a frame:
//
//	u16 nameLen | name | u16 paramCount | (u16 kLen | k | u16 vLen | v)* | payload
//
// Params are written in key order so the encoding is deterministic.
func EncodeCommand(c *Command) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil command")
	}
	if len(c.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("command name too long: %d", len(c.Name))
	}
	if len(c.Params) > math.MaxUint16 {
		return nil, fmt.Errorf("too many params: %d", len(c.Params))
	}

	keys := make([]string, 0, len(c.Params))
	size := 2 + len(c.Name) + 2 + len(c.Payload)
	for k, v := range c.Params {
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return nil, fmt.Errorf("param %q too long", k)
		}
		keys = append(keys, k)
		size += 4 + len(k) + len(v)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, size)
	buf = appendString(buf, c.Name)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, c.Params[k])
	}
	buf = append(buf, c.Payload...)
	return buf, nil
}

// DecodeCommand parses a command body. The routing key defaults to the name.
func DecodeCommand(data []byte) (*Command, error) {
	name, rest, err := readString(data)
	if err != nil {
		return nil, fmt.Errorf("command name: %w", err)
	}
	if len(rest) < 2 {
		return nil, ErrShortCommand
	}
	count := int(binary.BigEndian.Uint16(rest[0:2]))
	rest = rest[2:]

	params := make(map[string]string, count)
	for i := 0; i < count; i++ {
		var k, v string
		if k, rest, err = readString(rest); err != nil {
			return nil, fmt.Errorf("param %d key: %w", i, err)
		}
		if v, rest, err = readString(rest); err != nil {
			return nil, fmt.Errorf("param %q value: %w", k, err)
		}
		params[k] = v
	}

	return &Command{
		Name:       name,
		Params:     params,
		Payload:    rest,
		RoutingKey: name,
	}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, ErrShortCommand
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return "", nil, ErrShortCommand
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
