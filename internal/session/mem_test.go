package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/signaling"
)

// memConn is an in-memory negotiation.Conn following pion's signaling-state
// transitions: no rollback, and a local offer only from stable.
type memConn struct {
	hooks negotiation.Hooks

	mu     sync.Mutex
	state  webrtc.SignalingState
	local  *webrtc.SessionDescription
	remote bool
	seq    int
	closed bool
}

var errMemState = errors.New("invalid signaling state")

func (m *memConn) CreateOffer(bool) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (m *memConn) CreateAnswer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errMemState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (m *memConn) SetLocalDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && m.state == webrtc.SignalingStateStable:
		m.state = webrtc.SignalingStateHaveLocalOffer
		mid, idx := "0", uint16(0)
		go m.hooks.OnICECandidate(&webrtc.ICECandidateInit{Candidate: "candidate:mem", SDPMid: &mid, SDPMLineIndex: &idx})
	case d.Type == webrtc.SDPTypeAnswer && m.state == webrtc.SignalingStateHaveRemoteOffer:
		m.state = webrtc.SignalingStateStable
		go m.hooks.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	default:
		return errMemState
	}
	m.local = &d
	return nil
}

func (m *memConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && m.state == webrtc.SignalingStateStable:
		m.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && m.state == webrtc.SignalingStateHaveLocalOffer:
		m.state = webrtc.SignalingStateStable
		go m.hooks.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	default:
		return errMemState
	}
	m.remote = true
	return nil
}

func (m *memConn) AddICECandidate(webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.remote {
		return errMemState
	}
	return nil
}

func (m *memConn) SignalingState() webrtc.SignalingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *memConn) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *memConn) HasRemoteDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *memConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.state = webrtc.SignalingStateClosed
	return nil
}

// memFactory counts connections per target.
type memFactory struct {
	mu    sync.Mutex
	conns map[string][]*memConn
}

func newMemFactory() *memFactory {
	return &memFactory{conns: make(map[string][]*memConn)}
}

func (f *memFactory) forTarget(target string) negotiation.ConnFactory {
	return func(initiator bool, h negotiation.Hooks) (negotiation.Conn, error) {
		c := &memConn{hooks: h, state: webrtc.SignalingStateStable}
		f.mu.Lock()
		f.conns[target] = append(f.conns[target], c)
		f.mu.Unlock()
		if initiator {
			go h.OnNegotiationNeeded()
		}
		return c, nil
	}
}

func (f *memFactory) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[target])
}

// open counts the connections with target that are not closed.
func (f *memFactory) open(target string) int {
	f.mu.Lock()
	conns := append([]*memConn(nil), f.conns[target]...)
	f.mu.Unlock()
	n := 0
	for _, c := range conns {
		c.mu.Lock()
		if !c.closed {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// latest returns the newest connection with target, or nil.
func (f *memFactory) latest(target string) *memConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[target]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// recorder is a Signaler that keeps every message.
type recorder struct {
	mu   sync.Mutex
	sent []signaling.Message
}

func (r *recorder) Send(m signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) ofKind(k signaling.Kind) []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signaling.Message
	for _, m := range r.sent {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) kinds() []signaling.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signaling.Kind, len(r.sent))
	for i, m := range r.sent {
		out[i] = m.Kind
	}
	return out
}

// states collects connection states per target.
type states struct {
	mu sync.Mutex
	m  map[string][]negotiation.ConnectionState
}

func newStates() *states {
	return &states{m: make(map[string][]negotiation.ConnectionState)}
}

func (s *states) record(target string, st negotiation.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[target] = append(s.m[target], st)
}

func (s *states) has(target string, st negotiation.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.m[target] {
		if got == st {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
