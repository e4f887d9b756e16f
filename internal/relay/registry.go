package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/peerlink/internal/signaling"
)

// ErrUnknownTarget is returned when a message is addressed to a session id
// the registry does not hold (never joined, or already removed).
var ErrUnknownTarget = errors.New("unknown target")

// outbox is the registry's view of a client link: a non-blocking enqueue
// and an idempotent close.
type outbox interface {
	enqueue(frame []byte) bool
	close()
}

// clientSession is one connected client. All fields are guarded by the
// owning Registry's mutex; callers only ever see copies (ClientInfo).
type clientSession struct {
	id       string
	dialect  signaling.Dialect
	joinedAt int64
	out      outbox
}

// ClientInfo is a read-only snapshot of a registered client.
type ClientInfo struct {
	ID       string
	Dialect  signaling.Dialect
	JoinedAt int64
}

// Registry is the relay's table of connected clients. Every operation runs
// under one mutex, and routing (lookup + enqueue) happens inside the same
// critical section as removal, so a removed session is never routed to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*clientSession
	lastJoin int64

	newID func() string
	now   func() time.Time
}

// NewRegistry creates an empty registry that assigns UUID session ids.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*clientSession),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// join registers a new client and queues its connect handshake (Identity,
// ClientEntered, PeerList) before any other frame can reach it. The join
// time is strictly greater than every earlier one, so it doubles as a total
// order for polite/impolite role assignment.
func (r *Registry) join(out outbox, d signaling.Dialect) (ClientInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.sessions[id]; !taken && id != "" {
			break
		}
		id = r.newID()
	}

	joinedAt := r.now().UnixMilli()
	if joinedAt <= r.lastJoin {
		joinedAt = r.lastJoin + 1
	}
	r.lastJoin = joinedAt

	s := &clientSession{id: id, dialect: d, joinedAt: joinedAt, out: out}
	r.sessions[id] = s

	self := s.peer()
	handshake := []signaling.Message{
		{Kind: signaling.KindIdentity, Target: id, ID: id},
		{Kind: signaling.KindClientEntered, Target: id, Self: &self},
		{Kind: signaling.KindPeerList, Target: id, Clients: r.peersLocked(id)},
	}
	for _, m := range handshake {
		if err := s.send(m); err != nil {
			delete(r.sessions, id)
			out.close()
			return ClientInfo{}, fmt.Errorf("failed to queue handshake: %w", err)
		}
	}
	return s.info(), nil
}

// remove deletes the session and closes its outbox in the same critical
// section. It reports false if the id was not registered.
func (r *Registry) remove(id string) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ClientInfo{}, false
	}
	delete(r.sessions, id)
	s.out.close()
	return s.info(), true
}

// Lookup returns a snapshot of the session with the given id.
func (r *Registry) Lookup(id string) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return ClientInfo{}, false
	}
	return s.info(), true
}

// SetDialect fixes a session's dialect. It only succeeds once: the first
// time a concrete dialect is observed for a session still marked Unknown.
func (r *Registry) SetDialect(id string, d signaling.Dialect) bool {
	if d == signaling.DialectUnknown {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.dialect != signaling.DialectUnknown {
		return false
	}
	s.dialect = d
	return true
}

// Peers lists every registered client except exclude, oldest first.
func (r *Registry) Peers(exclude string) []signaling.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peersLocked(exclude)
}

func (r *Registry) peersLocked(exclude string) []signaling.Peer {
	peers := make([]signaling.Peer, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		peers = append(peers, signaling.Peer{ID: id, JoinedAt: s.joinedAt})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].JoinedAt < peers[j].JoinedAt })
	return peers
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send encodes m in the target's dialect and enqueues it on the target's
// link. It never blocks on a slow target.
func (r *Registry) Send(target string, m signaling.Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return s.send(m)
}

// SendPeerList sends target the current peer list, excluding target itself.
func (r *Registry) SendPeerList(target string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return s.send(signaling.Message{Kind: signaling.KindPeerList, Target: target, Clients: r.peersLocked(target)})
}

// Broadcast delivers m to every session except exclude, encoding it once per
// recipient dialect. It returns the number of sessions that accepted it.
func (r *Registry) Broadcast(exclude string, m signaling.Message) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		if err := s.send(m); err == nil {
			n++
		}
	}
	return n
}

// BroadcastPeerList sends every session (except exclude) its own view of
// the peer list.
func (r *Registry) BroadcastPeerList(exclude string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		_ = s.send(signaling.Message{Kind: signaling.KindPeerList, Target: id, Clients: r.peersLocked(id)})
	}
}

// closeAll removes every session. Used on relay shutdown.
func (r *Registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		s.out.close()
		delete(r.sessions, id)
	}
}

// ---------------------------------------------------------------------------
// clientSession helpers (caller holds the registry lock)
// ---------------------------------------------------------------------------

func (s *clientSession) info() ClientInfo {
	return ClientInfo{ID: s.id, Dialect: s.dialect, JoinedAt: s.joinedAt}
}

func (s *clientSession) peer() signaling.Peer {
	return signaling.Peer{ID: s.id, JoinedAt: s.joinedAt}
}

func (s *clientSession) send(m signaling.Message) error {
	frame, err := signaling.Encode(s.dialect, m)
	if err != nil {
		return err
	}
	if !s.out.enqueue(frame) {
		return fmt.Errorf("%w: %q link closed", ErrUnknownTarget, s.id)
	}
	return nil
}
