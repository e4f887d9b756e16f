// Package session is the peer-side control surface: it starts and ends
// calls, dispatches relay messages into per-remote negotiation sessions and
// reports peer lists and connection states to the application.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

var (
	// ErrUnknownPeer is returned by StartCall for a target that is not in
	// the latest peer list.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrNoSession is returned by Hangup when no call with the target exists.
	ErrNoSession = errors.New("no session with peer")
)

// Options configures a Controller.
type Options struct {
	// Signaler carries outbound messages to the relay (a *signaling.Client).
	Signaler negotiation.Signaler

	// NewConn returns the connection factory for a call with target.
	NewConn func(target string) negotiation.ConnFactory

	Timeout     time.Duration // negotiation round trip bound
	MaxRestarts int           // ICE restarts before a call fails

	// OnPeerListChanged receives every peer list the relay sends.
	OnPeerListChanged func(peers []signaling.Peer)

	// OnConnectionStateChanged receives per-call connection states.
	OnConnectionStateChanged func(target string, s negotiation.ConnectionState)
}

// Controller owns at most one negotiation session per remote peer.
type Controller struct {
	opts Options
	log  *util.Logger

	mu       sync.Mutex
	selfID   string
	joinedAt int64
	peers    []signaling.Peer
	sessions map[string]*negotiation.Session

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Controller. Feed it relay messages through HandleMessage.
func New(opts Options) *Controller {
	return &Controller{
		opts:     opts,
		log:      util.NewLogger("session"),
		sessions: make(map[string]*negotiation.Session),
		ready:    make(chan struct{}),
	}
}

// ID returns the relay-assigned id, "" before the handshake.
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Peers returns the latest peer list.
func (c *Controller) Peers() []signaling.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signaling.Peer(nil), c.peers...)
}

// State returns the negotiation state of the call with target.
func (c *Controller) State(target string) (negotiation.State, bool) {
	c.mu.Lock()
	s, ok := c.sessions[target]
	c.mu.Unlock()
	if !ok {
		return negotiation.StateClosed, false
	}
	return s.State(), true
}

// WaitReady blocks until the relay handshake (Identity and ClientEntered)
// has completed or ctx is done.
func (c *Controller) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartCall begins a call with target. The local side becomes the
// initiator: it tells the target with CallStart and creates the connection,
// whose transceiver and data channels trigger the first offer. Calling it
// again for a target with a live call is a no-op; a call that has already
// ended on its own is replaced.
func (c *Controller) StartCall(target string) error {
	c.mu.Lock()
	if c.selfID == "" || c.joinedAt == 0 {
		c.mu.Unlock()
		return signaling.ErrNotConnected
	}
	if target == c.selfID {
		c.mu.Unlock()
		return fmt.Errorf("cannot call self")
	}
	stale := c.takeEndedLocked(target)
	if _, ok := c.sessions[target]; ok {
		c.mu.Unlock()
		return nil
	}
	remoteJoinedAt, ok := c.joinedAtLocked(target)
	if !ok {
		c.mu.Unlock()
		if stale != nil {
			c.sendCallEnd(target)
		}
		return fmt.Errorf("%w: %q", ErrUnknownPeer, target)
	}
	joinedAt := c.joinedAt
	_, err := c.createLocked(target, remoteJoinedAt, true)
	c.mu.Unlock()

	// The remote side must drop the old call before it sees the new one.
	if stale != nil {
		c.sendCallEnd(target)
	}
	if err != nil {
		return err
	}

	if err := c.opts.Signaler.Send(signaling.Message{Kind: signaling.KindCallStart, Target: target, JoinedAt: joinedAt}); err != nil {
		c.log.Warnf("failed to send CallStart to %s: %v", target, err)
	}
	c.log.Infof("calling %s", target)
	return nil
}

// Hangup ends the call with target and tells the remote side.
func (c *Controller) Hangup(target string) error {
	c.mu.Lock()
	s, ok := c.sessions[target]
	delete(c.sessions, target)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSession, target)
	}
	c.end(s, true)
	return nil
}

// EndCall ends every call. It is immediate and idempotent.
func (c *Controller) EndCall() {
	for _, s := range c.takeAll() {
		c.end(s, true)
	}
}

func (c *Controller) end(s *negotiation.Session, notify bool) {
	if notify {
		c.sendCallEnd(s.Target())
	}
	s.Close()
}

func (c *Controller) sendCallEnd(target string) {
	if err := c.opts.Signaler.Send(signaling.Message{Kind: signaling.KindCallEnd, Target: target}); err != nil {
		c.log.Debugf("failed to send CallEnd to %s: %v", target, err)
	}
}

func (c *Controller) takeAll() []*negotiation.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := make([]*negotiation.Session, 0, len(c.sessions))
	for target, s := range c.sessions {
		all = append(all, s)
		delete(c.sessions, target)
	}
	return all
}

// HandleMessage dispatches one relay message. It is the signaling.Client
// message handler.
func (c *Controller) HandleMessage(m signaling.Message) {
	switch m.Kind {
	case signaling.KindIdentity:
		c.onIdentity(m.ID)

	case signaling.KindClientEntered:
		if m.Self == nil {
			return
		}
		c.mu.Lock()
		c.joinedAt = m.Self.JoinedAt
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })

	case signaling.KindPeerList:
		c.mu.Lock()
		c.peers = append([]signaling.Peer(nil), m.Clients...)
		c.mu.Unlock()
		if c.opts.OnPeerListChanged != nil {
			c.opts.OnPeerListChanged(append([]signaling.Peer(nil), m.Clients...))
		}

	case signaling.KindCallStart:
		c.mu.Lock()
		_, err := c.createLocked(m.Sender, m.JoinedAt, false)
		c.mu.Unlock()
		if err != nil {
			c.log.Warnf("cannot accept call from %s: %v", m.Sender, err)
		}

	case signaling.KindOffer:
		c.mu.Lock()
		s, err := c.createLocked(m.Sender, m.JoinedAt, false)
		c.mu.Unlock()
		if err != nil {
			c.log.Warnf("dropping offer from %s: %v", m.Sender, err)
			return
		}
		c.deliver(s, m)

	case signaling.KindAnswer, signaling.KindIceCandidate:
		c.mu.Lock()
		s, ok := c.sessions[m.Sender]
		c.mu.Unlock()
		if !ok {
			c.log.Debugf("dropping %s from %s: no session", m.Kind, m.Sender)
			return
		}
		c.deliver(s, m)

	case signaling.KindCallEnd, signaling.KindDisconnected:
		c.mu.Lock()
		s, ok := c.sessions[m.Sender]
		delete(c.sessions, m.Sender)
		c.mu.Unlock()
		if ok {
			c.log.Infof("call with %s ended by %s", m.Sender, m.Kind)
			c.end(s, false)
		}
	}
}

func (c *Controller) deliver(s *negotiation.Session, m signaling.Message) {
	if err := s.HandleMessage(m); err != nil {
		c.log.Debugf("%s from %s not handled: %v", m.Kind, m.Sender, err)
	}
}

// onIdentity records the relay-assigned id. A new id means the relay link
// was re-established; calls made under the old id are gone on the remote
// side, so they are closed here too.
func (c *Controller) onIdentity(id string) {
	c.mu.Lock()
	old := c.selfID
	c.selfID = id
	c.mu.Unlock()

	if old == "" || old == id {
		c.log.Infof("relay assigned id %s", id)
		return
	}
	c.log.Infof("relay reassigned id %s -> %s, dropping calls", old, id)
	for _, s := range c.takeAll() {
		c.end(s, false)
	}
}

// joinedAtLocked looks the target up in the latest peer list.
func (c *Controller) joinedAtLocked(target string) (int64, bool) {
	for _, p := range c.peers {
		if p.ID == target {
			return p.JoinedAt, true
		}
	}
	return 0, false
}

// createLocked returns the session for target, creating it when needed.
// remoteJoinedAt falls back to the peer list when the message carried none.
func (c *Controller) createLocked(target string, remoteJoinedAt int64, initiator bool) (*negotiation.Session, error) {
	if c.takeEndedLocked(target) != nil {
		c.log.Debugf("replacing ended session with %s", target)
	}
	if s, ok := c.sessions[target]; ok {
		return s, nil
	}
	if target == "" || c.selfID == "" {
		return nil, signaling.ErrNotConnected
	}
	if remoteJoinedAt == 0 {
		remoteJoinedAt, _ = c.joinedAtLocked(target)
	}

	s, err := negotiation.New(negotiation.Config{
		Target:        target,
		Polite:        negotiation.IsPolite(c.selfID, c.joinedAt, target, remoteJoinedAt),
		LocalJoinedAt: c.joinedAt,
		Initiator:     initiator,
		Signaler:      c.opts.Signaler,
		NewConn:       c.opts.NewConn(target),
		Timeout:       c.opts.Timeout,
		MaxRestarts:   c.opts.MaxRestarts,
		OnStateChange: c.opts.OnConnectionStateChanged,
	})
	if err != nil {
		return nil, err
	}
	c.sessions[target] = s
	go c.forgetWhenDone(target, s)

	c.log.Debugf("session with %s created (initiator=%t, polite=%t)", target, initiator, s.Polite())
	return s, nil
}

// takeEndedLocked removes target's session if it has already ended, and
// returns it. Whoever removes a session from the table decides whether the
// remote side is told; forgetWhenDone stays quiet for it.
func (c *Controller) takeEndedLocked(target string) *negotiation.Session {
	s, ok := c.sessions[target]
	if !ok {
		return nil
	}
	select {
	case <-s.Done():
		delete(c.sessions, target)
		return s
	default:
		return nil
	}
}

// forgetWhenDone drops s from the table once it closes on its own (failed
// negotiation or a closed connection) and tells the target, which would
// otherwise keep its side of the call.
func (c *Controller) forgetWhenDone(target string, s *negotiation.Session) {
	<-s.Done()
	c.mu.Lock()
	ended := c.sessions[target] == s
	if ended {
		delete(c.sessions, target)
	}
	c.mu.Unlock()

	if ended {
		c.log.Infof("call with %s ended", target)
		c.sendCallEnd(target)
	}
}
