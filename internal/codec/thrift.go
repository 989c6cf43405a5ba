package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/protocol"
)

// DefaultMaxThriftFrame matches the framed transport default of most thrift
// servers.
const DefaultMaxThriftFrame = 16384000

// Params set on decoded thrift commands.
const (
	ThriftParamSeqID = "thrift.seqid"
	ThriftParamType  = "thrift.type"
)

const (
	binaryVersionMask = 0xffff0000
	binaryVersion1    = 0x80010000
	binaryTypeMask    = 0x000000ff
)

var (
	ErrThriftFrameTooLarge = errors.New("thrift frame too large")
	ErrThriftBadVersion    = errors.New("bad thrift binary protocol version")
	ErrThriftShortMessage  = errors.New("thrift message header truncated")
)

// Thrift reads framed-transport TBinaryProtocol calls. Only the message
// header is parsed; the payload handed to executors is the whole message.
type Thrift struct {
	MaxFrameSize int
}

var _ spgate.Codec = Thrift{}

func NewThrift() Thrift {
	return Thrift{MaxFrameSize: DefaultMaxThriftFrame}
}

func (Thrift) Name() string { return "thrift" }

func (t Thrift) Decode(r *bufio.Reader) (*protocol.Command, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(int32(binary.BigEndian.Uint32(hdr[:])))
	limit := t.MaxFrameSize
	if limit <= 0 {
		limit = DefaultMaxThriftFrame
	}
	if size < 0 || size > limit {
		return nil, fmt.Errorf("%w: %d", ErrThriftFrameTooLarge, size)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	name, typ, seq, err := parseMessageHeader(msg)
	if err != nil {
		return nil, err
	}
	return &protocol.Command{
		Name: name,
		Params: map[string]string{
			ThriftParamSeqID: strconv.FormatInt(int64(seq), 10),
			ThriftParamType:  messageTypeName(typ),
		},
		Payload:    msg,
		RoutingKey: name,
		Target:     name,
	}, nil
}

// Encode writes the body as one framed-transport frame. The body is expected
// to be a complete thrift reply produced by the backend.
func (Thrift) Encode(w io.Writer, resp *spgate.Response) error {
	if resp == nil {
		return nil
	}
	buf := make([]byte, 4+len(resp.Body))
	binary.BigEndian.PutUint32(buf, uint32(len(resp.Body)))
	copy(buf[4:], resp.Body)
	_, err := w.Write(buf)
	return err
}

// parseMessageHeader reads the TBinaryProtocol message header in either the
// strict (versioned) or the old non-strict layout.
func parseMessageHeader(b []byte) (name string, typ uint8, seq int32, err error) {
	if len(b) < 4 {
		return "", 0, 0, ErrThriftShortMessage
	}
	first := int32(binary.BigEndian.Uint32(b))
	b = b[4:]

	if first < 0 {
		v := uint32(first)
		if v&binaryVersionMask != binaryVersion1 {
			return "", 0, 0, fmt.Errorf("%w: 0x%08x", ErrThriftBadVersion, v)
		}
		typ = uint8(v & binaryTypeMask)
		if name, b, err = readThriftString(b); err != nil {
			return "", 0, 0, err
		}
		if len(b) < 4 {
			return "", 0, 0, ErrThriftShortMessage
		}
		return name, typ, int32(binary.BigEndian.Uint32(b)), nil
	}

	n := int(first)
	if len(b) < n+1+4 {
		return "", 0, 0, ErrThriftShortMessage
	}
	name = string(b[:n])
	typ = b[n]
	seq = int32(binary.BigEndian.Uint32(b[n+1:]))
	return name, typ, seq, nil
}

func readThriftString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, ErrThriftShortMessage
	}
	n := int(int32(binary.BigEndian.Uint32(b)))
	b = b[4:]
	if n < 0 || len(b) < n {
		return "", nil, ErrThriftShortMessage
	}
	return string(b[:n]), b[n:], nil
}

func messageTypeName(t uint8) string {
	switch t {
	case 1:
		return "call"
	case 2:
		return "reply"
	case 3:
		return "exception"
	case 4:
		return "oneway"
	default:
		return strconv.Itoa(int(t))
	}
}
