package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/jimchat/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// A registered session is written by its outbox writer (forwarded messages)
// and by its own reader goroutine (responses). Both go through WritePayload,
// which holds the write lock for the whole frame.
type SafeConn struct {
	conn         net.Conn
	stream       protocol.Stream
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSafeConn wraps a net.Conn with write synchronization. framing and limit
// select the wire framing (see protocol.NewStream); a zero writeTimeout
// disables write deadlines.
func NewSafeConn(conn net.Conn, framing protocol.Framing, limit int, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		stream:       protocol.NewStream(conn, framing, limit),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// WritePayload sends one encoded envelope.
func (sc *SafeConn) WritePayload(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
	return sc.stream.WritePayload(payload)
}

// ReadPayload reads one encoded envelope. Reads don't need write
// synchronization. A positive idle timeout bounds the wait.
func (sc *SafeConn) ReadPayload(idle time.Duration) ([]byte, error) {
	if idle > 0 {
		sc.conn.SetReadDeadline(time.Now().Add(idle))
	}
	return sc.stream.ReadPayload()
}

// Close closes the underlying connection. It is safe to call more than once.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		close(sc.closed)
		err = sc.conn.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (sc *SafeConn) Done() <-chan struct{} {
	return sc.closed
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
