package websocket

import (
	"crypto/tls"
	"net"
	"time"
)

// Transport is the one thing the push-based engine needs from whatever
// moves bytes on its behalf: a way to write outbound bytes and a way to
// be told to stop. Everything upstream of that — TCP, TLS, a QUIC stream,
// an in-memory pipe in a test — is deliberately out of scope (spec.md
// "Non-goals": async I/O runtime, transport). Inbound bytes never come
// through this interface; they arrive via Conn.Feed, driven by whatever
// owns the Transport.
type Transport interface {
	// Write sends len(p) bytes as-is; partial writes are an error.
	Write(p []byte) error

	// Close closes the underlying connection. Safe to call more than
	// once.
	Close() error
}

// NetTransport adapts a net.Conn (TCP, TLS, anything satisfying the
// interface) into a Transport, and runs the read pump that turns its
// inbound bytes into Conn.Feed calls. Grounded on the teacher's bufio
// read/write plumbing around net.Conn in the original blocking Conn,
// adapted here to push rather than pull.
type NetTransport struct {
	netConn   net.Conn
	conn      *Conn
	done      chan struct{}
	readBufSz int
}

// defaultReadBufSize is used when NewNetTransport is given a non-positive
// size, matching the teacher's unbuffered-read chunk size.
const defaultReadBufSize = 4096

// NewNetTransport wires netConn to conn. Call startReadPump once conn is
// ready to receive Feed calls (after Dial/Upgrade have put it in the
// right phase). readBufSize of 0 or less falls back to defaultReadBufSize.
func NewNetTransport(netConn net.Conn, conn *Conn, readBufSize int) *NetTransport {
	if readBufSize <= 0 {
		readBufSize = defaultReadBufSize
	}
	return &NetTransport{netConn: netConn, conn: conn, done: make(chan struct{}), readBufSz: readBufSize}
}

// startReadPump launches the goroutine that reads from the socket and
// feeds every chunk into the Conn. It exits, and closes the transport,
// the first time Read returns an error (EOF, reset, or a Close this
// transport issued).
func (t *NetTransport) startReadPump() {
	_ = setTCPNoDelay(t.netConn)
	go func() {
		buf := make([]byte, t.readBufSz)
		for {
			n, err := t.netConn.Read(buf)
			if n > 0 {
				if feedErr := t.conn.Feed(buf[:n]); feedErr != nil {
					_ = t.Close()
					return
				}
			}
			if err != nil {
				t.conn.handleTransportClosed()
				_ = t.Close()
				return
			}
		}
	}()
}

// Write implements Transport.
func (t *NetTransport) Write(p []byte) error {
	_ = t.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.netConn.Write(p)
	return err
}

// IsTLS reports whether the underlying net.Conn is a *tls.Conn, letting
// the Feed-driven handshake path pick the right scheme when checking an
// Origin header against the request host (spec.md §4.3.1's same-origin
// check, which net/http's Upgrade gets for free from *http.Request.TLS).
func (t *NetTransport) IsTLS() bool {
	_, ok := t.netConn.(*tls.Conn)
	return ok
}

// Close implements Transport. Safe to call more than once; only the
// first call closes the net.Conn and returns its error, subsequent calls
// return nil.
func (t *NetTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
		close(t.done)
	}
	return t.netConn.Close()
}

// writeTimeout bounds a single frame write so a stalled peer can't wedge
// the goroutine calling Send forever.
const writeTimeout = 30 * time.Second

// setTCPNoDelay disables Nagle's algorithm when the underlying net.Conn
// is a *net.TCPConn (spec.md §6: "the transport SHOULD disable Nagle's
// algorithm so small control frames are not delayed").
func setTCPNoDelay(c net.Conn) error {
	if tc, ok := c.(*net.TCPConn); ok {
		return tc.SetNoDelay(true)
	}
	return nil
}
