package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/protocol"
)

const (
	// DefaultMaxBodyBytes caps an HTTP request body.
	DefaultMaxBodyBytes int64 = 4 << 20

	// HeaderParamPrefix prefixes request headers copied into command params.
	HeaderParamPrefix = "header."

	transferEncoding = "Transfer-Encoding"
	contentLength    = "Content-Length"
)

var (
	ErrRequestBodyTooLarge = errors.New("http request body too large")
	errInvalidHeader       = errors.New("invalid response header")
)

// RoutingKeyFunc derives the routing key of an HTTP request.
type RoutingKeyFunc func(r *http.Request) string

// PathPrefix keys on the first path segment: "/orders/7" routes as "orders".
func PathPrefix(r *http.Request) string {
	p := strings.TrimPrefix(r.URL.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}

// Host keys on the lower-cased request host without its port.
func Host(r *http.Request) string {
	h := r.Host
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.ToLower(h)
}

// Header keys on the first value of the named request header.
func Header(name string) RoutingKeyFunc {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

// HTTP decodes HTTP/1.x requests into commands and encodes responses back
// as HTTP/1.1.
type HTTP struct {
	routingKey   RoutingKeyFunc
	maxBodyBytes int64
}

type HTTPOption func(*HTTP)

func WithRoutingKey(fn RoutingKeyFunc) HTTPOption {
	return func(c *HTTP) {
		if fn != nil {
			c.routingKey = fn
		}
	}
}

func WithMaxBodyBytes(n int64) HTTPOption {
	return func(c *HTTP) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

func NewHTTP(opts ...HTTPOption) *HTTP {
	c := &HTTP{routingKey: PathPrefix, maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ spgate.Codec = (*HTTP)(nil)

func (c *HTTP) Name() string { return "http" }

// Decode reads one request. The command name is the HTTP method, the target
// is the request URI, and params carry the first value of each query
// parameter plus each header under HeaderParamPrefix.
func (c *HTTP) Decode(r *bufio.Reader) (*protocol.Command, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, err
	}
	defer req.Body.Close()

	body, err := io.ReadAll(io.LimitReader(req.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, ErrRequestBodyTooLarge
	}

	query := req.URL.Query()
	params := make(map[string]string, len(query)+len(req.Header))
	for k, v := range query {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	for k, v := range req.Header {
		if len(v) > 0 {
			params[HeaderParamPrefix+k] = v[0]
		}
	}

	return &protocol.Command{
		Name:       req.Method,
		Params:     params,
		Payload:    body,
		RoutingKey: c.routingKey(req),
		Target:     req.RequestURI,
	}, nil
}

// Encode writes resp as an HTTP/1.1 response. Transfer-Encoding is dropped
// because the body is always written whole; Content-Length is added only
// when the backend did not send one.
func (c *HTTP) Encode(w io.Writer, resp *spgate.Response) error {
	if resp == nil {
		return nil
	}

	bw := bufio.NewWriter(w)
	bw.WriteString("HTTP/1.1 ")
	bw.WriteString(strconv.Itoa(resp.StatusCode))
	bw.WriteByte(' ')
	bw.WriteString(reasonPhrase(resp.StatusCode))
	bw.WriteString("\r\n")

	hasLength := false
	for _, h := range resp.Headers {
		if strings.EqualFold(h.Name, transferEncoding) {
			continue
		}
		if !validHeader(h) {
			return fmt.Errorf("%w: %q", errInvalidHeader, h.Name)
		}
		if strings.EqualFold(h.Name, contentLength) {
			hasLength = true
		}
		bw.WriteString(h.Name)
		bw.WriteString(": ")
		bw.WriteString(h.Value)
		bw.WriteString("\r\n")
	}
	if !hasLength {
		bw.WriteString(contentLength + ": ")
		bw.WriteString(strconv.Itoa(len(resp.Body)))
		bw.WriteString("\r\n")
	}
	bw.WriteString("\r\n")
	bw.Write(resp.Body)
	return bw.Flush()
}

func reasonPhrase(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "status code " + strconv.Itoa(code)
}

func validHeader(h spgate.Header) bool {
	if h.Name == "" || strings.ContainsAny(h.Name, " :\r\n") {
		return false
	}
	return !strings.ContainsAny(h.Value, "\r\n")
}
