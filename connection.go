package spgate

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is the transport-owned wrapper around an accepted net.Conn.
type Connection struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration
	admission    *ConnContext

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

var _ Conn = (*Connection)(nil)

func newConnection(nc net.Conn, writeTimeout time.Duration, admission *ConnContext) *Connection {
	return &Connection{
		id:           uuid.NewString(),
		nc:           nc,
		writeTimeout: writeTimeout,
		admission:    admission,
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Write sends p in full, bounded by the connection's write timeout.
func (c *Connection) Write(p []byte) (int, error) {
	if err := writeAll(c.nc, p, c.writeTimeout); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *Connection) Closed() bool { return c.closed.Load() }

func (c *Connection) String() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return c.id + "@" + addr.String()
	}
	return c.id
}

func writeAll(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
