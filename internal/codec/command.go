package codec

import (
	"bufio"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/protocol"
)

// DefaultCompressThreshold is the response body size from which command
// responses are gzip-compressed.
const DefaultCompressThreshold = 1024

// Command is the codec of the framed binary command protocol.
type Command struct {
	// CompressThreshold enables compression for bodies at least this long.
	// Negative disables compression.
	CompressThreshold int
}

var _ spgate.Codec = Command{}

func NewCommand() Command {
	return Command{CompressThreshold: DefaultCompressThreshold}
}

func (Command) Name() string { return "command" }

func (Command) Decode(r *bufio.Reader) (*protocol.Command, error) {
	return ReadCommand(r)
}

// Encode writes resp as a response command: the name is the status code,
// params are the headers (last one wins) and the payload is the body.
func (c Command) Encode(w io.Writer, resp *spgate.Response) error {
	if resp == nil {
		return nil
	}
	params := make(map[string]string, len(resp.Headers))
	for _, h := range resp.Headers {
		params[h.Name] = h.Value
	}

	var flags uint8
	if c.CompressThreshold >= 0 && len(resp.Body) >= c.CompressThreshold {
		flags |= protocol.FlagCompressed
	}
	return WriteCommand(w, &protocol.Command{
		Name:    strconv.Itoa(resp.StatusCode),
		Params:  params,
		Payload: resp.Body,
	}, flags)
}

// ReadCommand reads and decodes one command frame.
func ReadCommand(r io.Reader) (*protocol.Command, error) {
	f, err := protocol.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	body, err := protocol.DecodeFrameBody(f)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeCommand(body)
}

// WriteCommand encodes cmd into one frame with the given flags.
func WriteCommand(w io.Writer, cmd *protocol.Command, flags uint8) error {
	body, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	frameFlags, frameBody, err := protocol.EncodeFrameBody(flags, body)
	if err != nil {
		return err
	}
	if len(frameBody) > protocol.MaxFrameBody {
		return protocol.ErrFrameTooLarge
	}
	_, err = w.Write(protocol.Encode(&protocol.Frame{Flags: frameFlags, Body: frameBody}))
	return err
}

// ReadResponse reads a response frame written by Command.Encode.
func ReadResponse(r io.Reader) (*spgate.Response, error) {
	cmd, err := ReadCommand(r)
	if err != nil {
		return nil, err
	}
	return responseFromCommand(cmd)
}

func responseFromCommand(cmd *protocol.Command) (*spgate.Response, error) {
	code, err := strconv.Atoi(cmd.Name)
	if err != nil {
		return nil, err
	}
	resp := &spgate.Response{StatusCode: code, Body: cmd.Payload}
	for _, k := range slices.Sorted(maps.Keys(cmd.Params)) {
		resp.Headers = append(resp.Headers, spgate.Header{Name: k, Value: cmd.Params[k]})
	}
	return resp, nil
}
