// Package relay implements the signaling relay: it assigns session ids,
// answers peer-list queries and forwards control messages between clients,
// translating between wire dialects when sender and target differ.
package relay

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

const maxFrameSize = 1 << 20 // SDP blobs are large but never this large

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options tunes a Relay.
type Options struct {
	QueueSize    int           // per-link outbound queue capacity
	PingInterval time.Duration // heartbeat period, 0 disables heartbeats
	PIN          string        // required "pin" query parameter, "" disables the check
}

// Relay is an http.Handler that upgrades each request to a client link.
type Relay struct {
	reg  *Registry
	opts Options
	log  *util.Logger
}

// New creates a Relay with an empty registry.
func New(opts Options) *Relay {
	return &Relay{
		reg:  NewRegistry(),
		opts: opts,
		log:  util.NewLogger("relay"),
	}
}

// Registry exposes the relay's client table (read-only use).
func (r *Relay) Registry() *Registry {
	return r.reg
}

// Shutdown closes every client link.
func (r *Relay) Shutdown() {
	r.reg.closeAll()
}

// ServeHTTP authenticates the request, upgrades it and serves the link until
// it closes. A "dialect" query parameter fixes the client's dialect up front.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if r.opts.PIN != "" && subtle.ConstantTimeCompare([]byte(q.Get("pin")), []byte(r.opts.PIN)) != 1 {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	dialect := signaling.DialectUnknown
	if name := q.Get("dialect"); name != "" {
		d, ok := signaling.ParseDialect(name)
		if !ok {
			http.Error(w, "Unknown dialect", http.StatusBadRequest)
			return
		}
		dialect = d
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debugf("upgrade failed: %v", err)
		return
	}
	r.serveConn(conn, dialect)
}

// serveConn registers the client, starts its writer and runs the read loop on
// the calling goroutine. It returns once the link is gone.
func (r *Relay) serveConn(conn *websocket.Conn, d signaling.Dialect) {
	l := newLink(conn, r.opts.QueueSize)

	info, err := r.reg.join(l, d)
	if err != nil {
		r.log.Errorf("failed to register client: %v", err)
		conn.Close()
		return
	}
	go l.writeLoop(r.opts.PingInterval)

	util.Stats.AddJoin()
	r.log.Infof("client %s joined (dialect %s, %d connected)", info.ID, info.Dialect, r.reg.Len())
	r.reg.BroadcastPeerList(info.ID)

	defer r.disconnect(info.ID)

	conn.SetReadLimit(maxFrameSize)
	if r.opts.PingInterval > 0 {
		deadline := 2 * r.opts.PingInterval
		conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debugf("client %s read failed: %v", info.ID, err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		r.handleFrame(info.ID, frame)
	}
}

// handleFrame decodes one inbound frame from sender and acts on it. Bad
// frames are dropped without affecting the link.
func (r *Relay) handleFrame(sender string, frame []byte) {
	m, d, err := signaling.Decode(frame)
	if err != nil {
		util.Stats.AddMalformed()
		r.log.Warnf("dropping frame from %s: %v", sender, err)
		return
	}

	if m.Kind == signaling.KindAnnounce && m.Dialect != signaling.DialectUnknown {
		r.reg.SetDialect(sender, m.Dialect)
	}
	if r.reg.SetDialect(sender, d) {
		r.log.Debugf("client %s speaks %s", sender, d)
	}

	m = m.WithSender(sender)

	switch m.Kind {
	case signaling.KindAnnounce, signaling.KindListRequest:
		if err := r.reg.SendPeerList(sender); err != nil {
			r.log.Debugf("peer list for %s not sent: %v", sender, err)
		}
		return

	case signaling.KindIdentity, signaling.KindPeerList, signaling.KindClientEntered, signaling.KindDisconnected:
		util.Stats.AddDropped()
		r.log.Warnf("dropping relay-only %s from %s", m.Kind, sender)
		return
	}

	if m.Target == sender {
		util.Stats.AddDropped()
		r.log.Warnf("dropping %s from %s addressed to itself", m.Kind, sender)
		return
	}

	if m.Target == "" {
		n := r.reg.Broadcast(sender, m)
		util.Stats.AddRouted()
		r.log.Debugf("broadcast %s from %s to %d clients", m.Kind, sender, n)
		return
	}

	if err := r.reg.Send(m.Target, m); err != nil {
		util.Stats.AddDropped()
		if errors.Is(err, ErrUnknownTarget) {
			r.log.Warnf("dropping %s from %s: %v", m.Kind, sender, err)
		} else {
			r.log.Errorf("failed to forward %s from %s: %v", m.Kind, sender, err)
		}
		return
	}
	util.Stats.AddRouted()
	r.log.Debugf("routed %s %s -> %s", m.Kind, sender, m.Target)
}

// disconnect removes the client and tells everyone else it is gone.
func (r *Relay) disconnect(id string) {
	if _, ok := r.reg.remove(id); !ok {
		return
	}
	util.Stats.AddLeave()
	r.log.Infof("client %s left (%d connected)", id, r.reg.Len())

	r.reg.Broadcast(id, signaling.Message{Kind: signaling.KindDisconnected, Sender: id})
	r.reg.BroadcastPeerList(id)
}
