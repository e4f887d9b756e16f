package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/signaling"
)

// fakeConn mimics the signaling-state rules of a pion peer connection and
// fires its hooks from separate goroutines, as pion does. Like pion it has
// no rollback, and a local offer can only be set from stable.
type fakeConn struct {
	name      string
	initiator bool
	hooks     Hooks

	mu         sync.Mutex
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	offers     int
	restarts   int
	candidates []webrtc.ICECandidateInit
	gathered   bool
	closes     int
}

var errFakeState = errors.New("invalid signaling state")

func (f *fakeConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return webrtc.SessionDescription{}, errFakeState
	}
	f.offers++
	if iceRestart {
		f.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("%s-offer-%d", f.name, f.offers)}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errFakeState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.name + "-answer-to-" + f.remote.SDP}, nil
}

func (f *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case d.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveRemoteOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set local %s in %s", errFakeState, d.Type, f.state)
	}

	f.local = &d
	if f.state == webrtc.SignalingStateStable {
		f.settle()
	}
	if !f.gathered {
		f.gathered = true
		mid, idx := "0", uint16(0)
		c := webrtc.ICECandidateInit{Candidate: "candidate:" + f.name, SDPMid: &mid, SDPMLineIndex: &idx}
		go f.hooks.OnICECandidate(&c)
	}
	return nil
}

func (f *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case d.Type == webrtc.SDPTypeOffer && f.state == webrtc.SignalingStateStable:
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set remote %s in %s", errFakeState, d.Type, f.state)
	}

	f.remote = &d
	if f.state == webrtc.SignalingStateStable {
		f.settle()
	}
	return nil
}

// settle reports the connection up. Caller holds f.mu.
func (f *fakeConn) settle() {
	go f.hooks.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeConn) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = webrtc.SignalingStateClosed
	return nil
}

func (f *fakeConn) snapshot() (state webrtc.SignalingState, local, remote string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local != nil {
		local = f.local.SDP
	}
	if f.remote != nil {
		remote = f.remote.SDP
	}
	return f.state, local, remote
}

func (f *fakeConn) counts() (offers, restarts, closes, candidates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.restarts, f.closes, len(f.candidates)
}

// fakeFactory hands out fakeConns and remembers them.
type fakeFactory struct {
	name string

	mu    sync.Mutex
	conns []*fakeConn
}

func (ff *fakeFactory) newConn(initiator bool, h Hooks) (Conn, error) {
	c := &fakeConn{name: ff.name, initiator: initiator, hooks: h, state: webrtc.SignalingStateStable}
	ff.mu.Lock()
	ff.conns = append(ff.conns, c)
	ff.mu.Unlock()
	if initiator {
		go h.OnNegotiationNeeded()
	}
	return c, nil
}

func (ff *fakeFactory) only(t *testing.T) *fakeConn {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.conns) != 1 {
		t.Fatalf("%s created %d connections, want 1", ff.name, len(ff.conns))
	}
	return ff.conns[0]
}

// all returns every connection created so far, oldest first.
func (ff *fakeFactory) all() []*fakeConn {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakeConn(nil), ff.conns...)
}

// live returns the newest connection, the one a session currently drives.
func (ff *fakeFactory) live(t *testing.T) *fakeConn {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.conns) == 0 {
		t.Fatalf("%s created no connection", ff.name)
	}
	return ff.conns[len(ff.conns)-1]
}

// pipe is a Signaler that delivers to a peer session. Messages sent before
// the peer is attached, or while held, are buffered. drop filters messages.
type pipe struct {
	mu   sync.Mutex
	peer *Session
	held bool
	buf  []signaling.Message
	sent []signaling.Message
	drop func(signaling.Message) bool
}

func (p *pipe) Send(m signaling.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
	if p.drop != nil && p.drop(m) {
		return nil
	}
	if p.peer == nil || p.held {
		p.buf = append(p.buf, m)
		return nil
	}
	p.peer.HandleMessage(m)
	return nil
}

func (p *pipe) attach(peer *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peer = peer
	if p.held {
		return
	}
	for _, m := range p.buf {
		peer.HandleMessage(m)
	}
	p.buf = nil
}

func (p *pipe) release() {
	p.mu.Lock()
	p.held = false
	p.mu.Unlock()
	p.attach(p.peer)
}

func (p *pipe) messages() []signaling.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signaling.Message(nil), p.sent...)
}

func (p *pipe) kinds() []signaling.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]signaling.Kind, len(p.sent))
	for i, m := range p.sent {
		out[i] = m.Kind
	}
	return out
}

// stateLog collects OnStateChange calls.
type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) record(_ string, s ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) get() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.states...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
