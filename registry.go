package spgate

import (
	"net"
	"sync"
	"sync/atomic"
)

// Conn is the capability a dispatch cycle holds on its connection.
type Conn interface {
	ID() string
	RemoteAddr() net.Addr
	Write(p []byte) (int, error)
	Close() error
}

// ConnRegistry tracks live connections for bulk lifecycle operations.
// It is safe for concurrent use.
type ConnRegistry struct {
	conns sync.Map // id -> Conn
	n     atomic.Int64
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{}
}

func (r *ConnRegistry) Register(c Conn) {
	if _, loaded := r.conns.LoadOrStore(c.ID(), c); !loaded {
		r.n.Add(1)
	}
}

func (r *ConnRegistry) Unregister(c Conn) {
	if _, loaded := r.conns.LoadAndDelete(c.ID()); loaded {
		r.n.Add(-1)
	}
}

// ForEach calls fn for every registered connection until fn returns false.
func (r *ConnRegistry) ForEach(fn func(Conn) bool) {
	r.conns.Range(func(_, v any) bool {
		return fn(v.(Conn))
	})
}

func (r *ConnRegistry) Len() int {
	return int(r.n.Load())
}

// CloseAll closes every registered connection. Connections unregister
// themselves when their handler loop exits.
func (r *ConnRegistry) CloseAll() {
	r.ForEach(func(c Conn) bool {
		_ = c.Close()
		return true
	})
}
