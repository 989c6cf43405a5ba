package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
)

var (
	ErrUnsupportedFrameFlags = errors.New("unsupported frame flags")
	ErrBodyTooLarge          = errors.New("decompressed body too large")
)

// ValidateFlags rejects flag combinations the gateway cannot serve.
// Encrypted frames are reserved for a future transport.
func ValidateFlags(flags uint8) error {
	if flags&FlagEncrypted != 0 {
		return ErrUnsupportedFrameFlags
	}
	return nil
}

// DecodeFrameBody validates flags and returns the plain body of f.
// If FlagCompressed is set, the body is gzip-decompressed up to MaxFrameBody.
func DecodeFrameBody(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil frame")
	}
	if err := ValidateFlags(f.Flags); err != nil {
		return nil, err
	}
	if f.Flags&FlagCompressed == 0 {
		return f.Body, nil
	}
	return gunzip(f.Body, MaxFrameBody)
}

// EncodeFrameBody validates flags and returns the body to place in a Frame.
// The plain body is capped at MaxFrameBody whether or not it is compressed,
// matching the limit DecodeFrameBody applies after gunzip.
func EncodeFrameBody(flags uint8, body []byte) (uint8, []byte, error) {
	if err := ValidateFlags(flags); err != nil {
		return 0, nil, err
	}
	if len(body) > MaxFrameBody {
		return 0, nil, ErrFrameTooLarge
	}
	if flags&FlagCompressed == 0 {
		return flags, body, nil
	}
	out, err := gzipBytes(body)
	if err != nil {
		return 0, nil, err
	}
	if len(out) > MaxFrameBody {
		return 0, nil, ErrFrameTooLarge
	}
	return flags, out, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte, limit int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}
