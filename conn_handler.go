package spgate

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gogogo1024/spgate/protocol"
)

const readBufferSize = 8 * 1024

// HandleConn serves one accepted connection until it is closed, idles out,
// or hits a fatal error. Frames are decoded and dispatched strictly one at
// a time.
func HandleConn(ctx context.Context, conn net.Conn, d *Dispatcher, opts ...ServeOption) error {
	o := buildServeOptions(opts)
	return serveConn(ctx, conn, d, o)
}

// handleConn runs the loop with default admission limits.
func handleConn(ctx context.Context, conn net.Conn, d *Dispatcher, idleTimeout, writeTimeout time.Duration) error {
	o := defaultServeOptions()
	o.idleTimeout = idleTimeout
	o.writeTimeout = writeTimeout
	return serveConn(ctx, conn, d, o)
}

func serveConn(ctx context.Context, nc net.Conn, d *Dispatcher, o serveOptions) error {
	if d == nil {
		return ErrNoDispatcher
	}

	c := newConnection(nc, o.writeTimeout, NewConnContext(o.frameRate, o.frameBurst))
	d.OnOpen(c)
	defer d.OnClose(c)
	defer c.Close()

	br := bufio.NewReaderSize(nc, readBufferSize)
	for {
		if c.Closed() || ctx.Err() != nil {
			return nil
		}

		cmd, err := readCommand(nc, br, d.codec, o.idleTimeout)
		if err != nil {
			switch {
			case c.Closed():
				// Closed underneath us by shutdown or a sync cycle.
				return nil
			case errors.Is(err, io.EOF):
				return nil
			case isTimeout(err):
				d.logger.Debug("connection idle timeout", slog.String("conn", c.ID()))
				return nil
			}
			err = protocolError(d.codec.Name(), err)
			d.observer.Dispatched(d.endpoint, d.mode.String(), OutcomeProtocolError)
			d.Fail(c, err)
			return err
		}

		if !c.admission.Allow() {
			d.observer.Dispatched(d.endpoint, d.mode.String(), OutcomeRateLimited)
			d.Fail(c, ErrRateLimited)
			return ErrRateLimited
		}

		if err := d.OnFrame(ctx, c, cmd); err != nil {
			d.Fail(c, err)
			return err
		}
	}
}

func readCommand(nc net.Conn, br *bufio.Reader, codec Codec, idle time.Duration) (*protocol.Command, error) {
	if idle > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(idle))
	} else {
		_ = nc.SetReadDeadline(time.Time{})
	}
	return codec.Decode(br)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
