package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/util"
)

const (
	minQueueSize = 4                // room for the three handshake frames plus one
	writeTimeout = 10 * time.Second // per-frame write deadline
)

// link is the relay side of one client WebSocket. Frames for the client are
// queued in a bounded channel and written by a single writer goroutine, so a
// slow client never stalls the goroutine that routed to it. When the queue
// is full the oldest frame is dropped.
type link struct {
	conn  *websocket.Conn
	queue chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// newLink creates a link with the given queue capacity. conn may be nil in
// tests that only exercise the queue.
func newLink(conn *websocket.Conn, size int) *link {
	if size < minQueueSize {
		size = minQueueSize
	}
	return &link{
		conn:  conn,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// enqueue implements outbox. It never blocks and reports false once the
// link has been closed.
func (l *link) enqueue(frame []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	select {
	case l.queue <- frame:
		return true
	default:
	}

	// Full: drop the oldest frame to make room. Only enqueue adds to the
	// queue and it holds l.mu, so the second send cannot block.
	select {
	case <-l.queue:
		util.Stats.AddDropped()
	default:
	}
	select {
	case l.queue <- frame:
	default:
		util.Stats.AddDropped()
	}
	return true
}

// close implements outbox. It is idempotent; the writer goroutine notices
// and shuts the socket down.
func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Done is closed once the link has been closed.
func (l *link) Done() <-chan struct{} {
	return l.done
}

// writeLoop is the single-writer goroutine. It drains the queue and sends
// heartbeat pings every pingInterval (0 disables pings). It exits when the
// link is closed or a write fails, closing the socket either way.
func (l *link) writeLoop(pingInterval time.Duration) {
	defer l.conn.Close()

	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame := <-l.queue:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				util.LogDebug("relay write failed: %v", err)
				return
			}

		case <-tick:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				util.LogDebug("relay ping failed: %v", err)
				return
			}

		case <-l.done:
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
