package codec

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cloudwego/kitex/pkg/remote"

	"github.com/gogogo1024/spgate/protocol"
)

// Message tags understood by KitexCodec.
const (
	TagPool   = "spgate.pool"
	TagFlags  = "spgate.flags"
	TagStatus = "spgate.status"
	TagParams = "spgate.params"
)

// KitexCodec lets kitex clients talk to a command-protocol endpoint. Outbound
// calls become command frames; inbound frames are response commands.
// Mapper names the command for each RPC method; nil uses the method name.
type KitexCodec struct {
	Mapper *protocol.MethodMapper
}

var _ remote.Codec = (*KitexCodec)(nil)

func NewKitexCodec(m *protocol.MethodMapper) *KitexCodec {
	return &KitexCodec{Mapper: m}
}

func (c *KitexCodec) Name() string { return "spgate" }

func (c *KitexCodec) Encode(
	ctx context.Context,
	msg remote.Message,
	out remote.ByteBuffer,
) error {
	inv := msg.RPCInfo().Invocation()
	mapper := c.Mapper
	if mapper == nil {
		mapper = &protocol.MethodMapper{}
	}
	name, err := mapper.CommandNameFor(fmt.Sprintf("%s.%s", inv.ServiceName(), inv.MethodName()))
	if err != nil {
		return err
	}

	payload, err := payloadOf(msg.Data())
	if err != nil {
		return err
	}

	cmd, flags := commandFromTags(name, payload, msg.Tags())
	body, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	frameFlags, frameBody, err := protocol.EncodeFrameBody(flags, body)
	if err != nil {
		return err
	}

	_, err = out.WriteBinary(protocol.Encode(&protocol.Frame{Flags: frameFlags, Body: frameBody}))
	return err
}

func (c *KitexCodec) Decode(
	ctx context.Context,
	msg remote.Message,
	in remote.ByteBuffer,
) error {
	readable := in.ReadableLen()
	if readable <= 0 {
		return errors.New("empty input")
	}
	buf := make([]byte, readable)
	n, err := in.ReadBinary(buf)
	if err != nil {
		return err
	}

	frame, _, err := protocol.Decode(buf[:n])
	if err != nil {
		return err
	}
	if frame == nil {
		return errors.New("incomplete frame")
	}
	body, err := protocol.DecodeFrameBody(frame)
	if err != nil {
		return err
	}
	resp, err := protocol.DecodeCommand(body)
	if err != nil {
		return err
	}

	switch d := msg.Data().(type) {
	case *[]byte:
		if d != nil {
			*d = resp.Payload
		}
	case *interface{}:
		if d != nil {
			*d = resp.Payload
		}
	}
	msg.SetPayloadLen(len(resp.Payload))

	if tags := msg.Tags(); tags != nil {
		tags[TagStatus] = resp.Name
		tags[TagParams] = resp.Params
		tags[TagFlags] = frame.Flags
	}
	return nil
}

func payloadOf(data any) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case *[]byte:
		if v != nil {
			return *v, nil
		}
		return nil, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported kitex message data type: %T", v)
	}
}

// commandFromTags builds the outbound command and frame flags from message
// tags. The pool tag becomes the "pool" param.
func commandFromTags(name string, payload []byte, tags map[string]interface{}) (*protocol.Command, uint8) {
	cmd := &protocol.Command{Name: name, Payload: payload, RoutingKey: name}
	if tags == nil {
		return cmd, 0
	}
	if pool, ok := tags[TagPool].(string); ok && pool != "" {
		cmd.Params = map[string]string{protocol.ParamPool: pool}
	}
	return cmd, parseFlags(tags[TagFlags])
}

func parseFlags(v any) uint8 {
	switch x := v.(type) {
	case uint8:
		return x
	case uint16:
		return uint8(x)
	case uint32:
		return uint8(x)
	case uint64:
		return uint8(x)
	case int:
		return uint8(x)
	case int32:
		return uint8(x)
	case int64:
		return uint8(x)
	case string:
		// Accept "0x.." or decimal.
		if u, err := strconv.ParseUint(x, 0, 8); err == nil {
			return uint8(u)
		}
		return 0
	default:
		return 0
	}
}
