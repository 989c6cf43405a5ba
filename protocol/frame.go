package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameMagic is the 2-byte magic number ("SP") at the start of every frame.
	FrameMagic uint16 = 0x5350
	// FrameVersion is the current supported protocol frame version.
	FrameVersion uint8 = 1

	// FrameHeaderLen is the fixed header length in bytes.
	FrameHeaderLen = 8
	// MaxFrameBody is the maximum allowed frame body size in bytes.
	MaxFrameBody = 1024 * 1024 // 1MB
)

const (
	FlagCompressed uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1
	FlagOneWay     uint8 = 1 << 2
)

var ErrFrameTooLarge = errors.New("frame too large")

type Frame struct {
	Version uint8
	Flags   uint8
	Body    []byte
}

// Decode parses one frame from the head of buf.
// It returns (nil, 0, nil) when buf does not yet hold a complete frame.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < FrameHeaderLen {
		return nil, 0, nil
	}

	version, flags, length, err := parseHeader(buf[:FrameHeaderLen])
	if err != nil {
		return nil, 0, err
	}

	totalLen := int(length) + FrameHeaderLen
	if len(buf) < totalLen {
		return nil, 0, nil
	}

	f := &Frame{
		Version: version,
		Flags:   flags,
		Body:    buf[FrameHeaderLen:totalLen],
	}

	return f, totalLen, nil
}

// ReadFrame reads exactly one frame from r.
// A clean end of stream before any header byte is reported as io.EOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	version, flags, length, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Frame{Version: version, Flags: flags, Body: body}, nil
}

func parseHeader(hdr []byte) (version uint8, flags uint8, length uint32, err error) {
	magic := binary.BigEndian.Uint16(hdr[0:2])
	if magic != FrameMagic {
		return 0, 0, 0, fmt.Errorf("invalid frame magic: 0x%04X", magic)
	}

	version = hdr[2]
	if version != FrameVersion {
		return 0, 0, 0, fmt.Errorf("unsupported frame version: %d", version)
	}

	flags = hdr[3]
	length = binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxFrameBody {
		return 0, 0, 0, ErrFrameTooLarge
	}
	return version, flags, length, nil
}

func Encode(f *Frame) []byte {
	bodyLen := len(f.Body)
	if bodyLen > int(MaxFrameBody) {
		panic("frame body too large")
	}

	buf := make([]byte, FrameHeaderLen+bodyLen)
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	version := f.Version
	if version == 0 {
		version = FrameVersion
	}
	buf[2] = version
	buf[3] = f.Flags
	binary.BigEndian.PutUint32(buf[4:8], uint32(bodyLen))
	copy(buf[FrameHeaderLen:], f.Body)
	return buf
}
