package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/relay"
	"github.com/1ureka/peerlink/internal/signaling"
)

// handshake feeds c the relay handshake for id with the given peers.
func handshake(c *Controller, id string, joinedAt int64, peers ...signaling.Peer) {
	c.HandleMessage(signaling.Message{Kind: signaling.KindIdentity, ID: id})
	c.HandleMessage(signaling.Message{Kind: signaling.KindClientEntered, Self: &signaling.Peer{ID: id, JoinedAt: joinedAt}})
	c.HandleMessage(signaling.Message{Kind: signaling.KindPeerList, Clients: peers})
}

func TestStartCallPreconditions(t *testing.T) {
	rec := &recorder{}
	c := New(Options{Signaler: rec, NewConn: newMemFactory().forTarget})

	if err := c.StartCall("x"); !errors.Is(err, signaling.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before handshake, got %v", err)
	}

	handshake(c, "me", 10, signaling.Peer{ID: "x", JoinedAt: 5})
	if err := c.StartCall("nobody"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
	if err := c.StartCall("me"); err == nil {
		t.Error("calling self succeeded")
	}
	if err := c.Hangup("x"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestStartCallIsIdempotent(t *testing.T) {
	rec := &recorder{}
	f := newMemFactory()
	c := New(Options{Signaler: rec, NewConn: f.forTarget})
	handshake(c, "me", 10, signaling.Peer{ID: "x", JoinedAt: 5})
	defer c.EndCall()

	for i := 0; i < 3; i++ {
		if err := c.StartCall("x"); err != nil {
			t.Fatalf("StartCall failed: %v", err)
		}
	}
	if n := f.count("x"); n != 1 {
		t.Errorf("created %d connections, want 1", n)
	}

	eventually(t, "offer", func() bool {
		for _, k := range rec.kinds() {
			if k == signaling.KindOffer {
				return true
			}
		}
		return false
	})
	rec.mu.Lock()
	var starts []signaling.Message
	for _, m := range rec.sent {
		if m.Kind == signaling.KindCallStart {
			starts = append(starts, m)
		}
	}
	rec.mu.Unlock()
	if len(starts) != 1 {
		t.Fatalf("sent %d CallStart messages, want 1", len(starts))
	}
	if starts[0].Target != "x" || starts[0].JoinedAt != 10 {
		t.Errorf("CallStart mismatch: %+v", starts[0])
	}
}

func TestAnswerWithoutSessionDropped(t *testing.T) {
	rec := &recorder{}
	f := newMemFactory()
	c := New(Options{Signaler: rec, NewConn: f.forTarget})
	handshake(c, "me", 10, signaling.Peer{ID: "x", JoinedAt: 5})

	c.HandleMessage(signaling.Message{Kind: signaling.KindAnswer, Sender: "x", SDP: "answer"})
	c.HandleMessage(signaling.Message{Kind: signaling.KindIceCandidate, Sender: "x", Candidate: &signaling.Candidate{Candidate: "c"}})

	if _, ok := c.State("x"); ok {
		t.Error("answer created a session")
	}
	if n := f.count("x"); n != 0 {
		t.Errorf("created %d connections, want 0", n)
	}
}

func TestRemoteOfferCreatesSession(t *testing.T) {
	rec := &recorder{}
	f := newMemFactory()
	st := newStates()
	c := New(Options{Signaler: rec, NewConn: f.forTarget, OnConnectionStateChanged: st.record})
	handshake(c, "me", 10, signaling.Peer{ID: "x", JoinedAt: 5})
	defer c.EndCall()

	c.HandleMessage(signaling.Message{Kind: signaling.KindOffer, Sender: "x", SDP: "offer", JoinedAt: 5})

	eventually(t, "answer", func() bool {
		for _, k := range rec.kinds() {
			if k == signaling.KindAnswer {
				return true
			}
		}
		return false
	})
	eventually(t, "connected", func() bool { return st.has("x", negotiation.ConnectionConnected) })
	if s, ok := c.State("x"); !ok || s != negotiation.StateStable {
		t.Errorf("State mismatch: %s, %v", s, ok)
	}
}

func TestRemoteCallEndAndIdentityChange(t *testing.T) {
	rec := &recorder{}
	f := newMemFactory()
	c := New(Options{Signaler: rec, NewConn: f.forTarget})
	handshake(c, "me", 10, signaling.Peer{ID: "x", JoinedAt: 5}, signaling.Peer{ID: "y", JoinedAt: 6})

	c.HandleMessage(signaling.Message{Kind: signaling.KindCallStart, Sender: "x"})
	c.HandleMessage(signaling.Message{Kind: signaling.KindCallStart, Sender: "y"})
	if _, ok := c.State("x"); !ok {
		t.Fatal("CallStart did not create a session")
	}

	c.HandleMessage(signaling.Message{Kind: signaling.KindCallEnd, Sender: "x"})
	if _, ok := c.State("x"); ok {
		t.Error("session survived CallEnd")
	}

	c.HandleMessage(signaling.Message{Kind: signaling.KindIdentity, ID: "me-again"})
	if _, ok := c.State("y"); ok {
		t.Error("session survived a new identity")
	}
	if c.ID() != "me-again" {
		t.Errorf("ID mismatch: got %q", c.ID())
	}
}

func TestSelfEndedCallNotifiesRemote(t *testing.T) {
	rec := &recorder{}
	f := newMemFactory()
	c := New(Options{Signaler: rec, NewConn: f.forTarget, MaxRestarts: 0})
	handshake(c, "me", 10, signaling.Peer{ID: "x", JoinedAt: 5})
	defer c.EndCall()

	if err := c.StartCall("x"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	eventually(t, "offer", func() bool { return len(rec.ofKind(signaling.KindOffer)) > 0 })

	f.latest("x").hooks.OnICEConnectionStateChange(webrtc.ICEConnectionStateFailed)

	eventually(t, "CallEnd", func() bool { return len(rec.ofKind(signaling.KindCallEnd)) > 0 })
	if ends := rec.ofKind(signaling.KindCallEnd); len(ends) != 1 || ends[0].Target != "x" {
		t.Fatalf("CallEnd mismatch: %+v", ends)
	}
	eventually(t, "session forgotten", func() bool {
		_, ok := c.State("x")
		return !ok
	})

	if err := c.StartCall("x"); err != nil {
		t.Fatalf("second StartCall failed: %v", err)
	}
	if n := f.count("x"); n != 2 {
		t.Errorf("created %d connections, want 2", n)
	}
	if starts := rec.ofKind(signaling.KindCallStart); len(starts) != 2 {
		t.Errorf("sent %d CallStart messages, want 2", len(starts))
	}
}

func TestStartCallReplacesEndedSession(t *testing.T) {
	rec := &recorder{}
	f := newMemFactory()
	c := New(Options{Signaler: rec, NewConn: f.forTarget})
	handshake(c, "me", 10, signaling.Peer{ID: "x", JoinedAt: 5})
	defer c.EndCall()

	// An ended session still in the table, as between its end and cleanup.
	old, err := negotiation.New(negotiation.Config{Target: "x", Signaler: rec, NewConn: f.forTarget("x")})
	if err != nil {
		t.Fatalf("negotiation.New failed: %v", err)
	}
	old.Close()
	c.mu.Lock()
	c.sessions["x"] = old
	c.mu.Unlock()

	if err := c.StartCall("x"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if s, ok := c.State("x"); !ok || s == negotiation.StateClosed {
		t.Fatalf("State mismatch: %s, %v", s, ok)
	}

	var order []signaling.Kind
	for _, k := range rec.kinds() {
		if k == signaling.KindCallEnd || k == signaling.KindCallStart {
			order = append(order, k)
		}
	}
	want := []signaling.Kind{signaling.KindCallEnd, signaling.KindCallStart}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("message order mismatch: got %v, want %v", order, want)
	}
}

// ---------------------------------------------------------------------------
// End to end through a real relay
// ---------------------------------------------------------------------------

type endpoint struct {
	client  *signaling.Client
	ctrl    *Controller
	factory *memFactory
	states  *states
	stop    context.CancelFunc

	mu    sync.Mutex
	lists [][]signaling.Peer
}

func (e *endpoint) lastList() []signaling.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.lists) == 0 {
		return nil
	}
	return e.lists[len(e.lists)-1]
}

func startEndpoint(t *testing.T, url string, d signaling.Dialect) *endpoint {
	t.Helper()
	e := &endpoint{factory: newMemFactory(), states: newStates()}
	e.client = signaling.NewClient(signaling.ClientOptions{
		URL:     url,
		Dialect: d,
		Backoff: signaling.BackoffPolicy{InitialInterval: 10 * time.Millisecond, MaxAttempts: 5},
	})
	e.ctrl = New(Options{
		Signaler:                 e.client,
		NewConn:                  e.factory.forTarget,
		Timeout:                  2 * time.Second,
		MaxRestarts:              1,
		OnConnectionStateChanged: e.states.record,
		OnPeerListChanged: func(peers []signaling.Peer) {
			e.mu.Lock()
			e.lists = append(e.lists, peers)
			e.mu.Unlock()
		},
	})
	e.client.OnMessage(e.ctrl.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel
	e.client.Start(ctx)
	t.Cleanup(func() {
		e.ctrl.EndCall()
		cancel()
		<-e.client.Done()
	})

	readyCtx, readyCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readyCancel()
	if err := e.ctrl.WaitReady(readyCtx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return e
}

func startRelay(t *testing.T) string {
	t.Helper()
	r := relay.New(relay.Options{QueueSize: 64})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		r.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// TestEndToEndCall connects a standard-dialect peer (c1) and an alternate-
// dialect peer (c2), has c1 call c2, and hangs up.
func TestEndToEndCall(t *testing.T) {
	url := startRelay(t)
	c1 := startEndpoint(t, url, signaling.DialectStandard)
	c2 := startEndpoint(t, url, signaling.DialectAlternate)
	id1, id2 := c1.ctrl.ID(), c2.ctrl.ID()

	eventually(t, "c1 sees c2", func() bool {
		l := c1.lastList()
		return len(l) == 1 && l[0].ID == id2
	})
	eventually(t, "c2 sees c1", func() bool {
		l := c2.lastList()
		return len(l) == 1 && l[0].ID == id1
	})

	if err := c1.ctrl.StartCall(id2); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	eventually(t, "c1 connected", func() bool { return c1.states.has(id2, negotiation.ConnectionConnected) })
	eventually(t, "c2 connected", func() bool { return c2.states.has(id1, negotiation.ConnectionConnected) })

	if c1.factory.count(id2) != 1 || c2.factory.count(id1) != 1 {
		t.Errorf("connection counts mismatch: c1=%d c2=%d", c1.factory.count(id2), c2.factory.count(id1))
	}

	c1.ctrl.EndCall()
	c1.ctrl.EndCall()
	eventually(t, "c2 closed", func() bool {
		_, ok := c2.ctrl.State(id1)
		return !ok && c2.states.has(id1, negotiation.ConnectionClosed)
	})
	if _, ok := c1.ctrl.State(id2); ok {
		t.Error("c1 still has a session after EndCall")
	}
}

// TestConcurrentStartCall has both peers call each other at once; each side
// must end up with exactly one open connection. The polite side may have
// replaced its first one to answer the other's offer.
func TestConcurrentStartCall(t *testing.T) {
	url := startRelay(t)
	c1 := startEndpoint(t, url, signaling.DialectStandard)
	c2 := startEndpoint(t, url, signaling.DialectStandard)
	id1, id2 := c1.ctrl.ID(), c2.ctrl.ID()

	eventually(t, "peer lists", func() bool { return len(c1.lastList()) == 1 && len(c2.lastList()) == 1 })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c1.ctrl.StartCall(id2) }()
	go func() { defer wg.Done(); c2.ctrl.StartCall(id1) }()
	wg.Wait()

	eventually(t, "both connected", func() bool {
		return c1.states.has(id2, negotiation.ConnectionConnected) && c2.states.has(id1, negotiation.ConnectionConnected)
	})
	eventually(t, "both stable", func() bool {
		s1, ok1 := c1.ctrl.State(id2)
		s2, ok2 := c2.ctrl.State(id1)
		return ok1 && ok2 && s1 == negotiation.StateStable && s2 == negotiation.StateStable
	})
	if c1.factory.open(id2) != 1 || c2.factory.open(id1) != 1 {
		t.Errorf("open connection counts mismatch: c1=%d c2=%d", c1.factory.open(id2), c2.factory.open(id1))
	}
}

// TestFailedCallEndsRemoteSession lets c1's call fail on its own and checks
// that c2 drops its side, so that a new call starts from scratch on both.
func TestFailedCallEndsRemoteSession(t *testing.T) {
	url := startRelay(t)
	c1 := startEndpoint(t, url, signaling.DialectStandard)
	c2 := startEndpoint(t, url, signaling.DialectAlternate)
	id1, id2 := c1.ctrl.ID(), c2.ctrl.ID()

	eventually(t, "c1 sees c2", func() bool { return len(c1.lastList()) == 1 })
	if err := c1.ctrl.StartCall(id2); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	eventually(t, "c2 connected", func() bool { return c2.states.has(id1, negotiation.ConnectionConnected) })

	// Two ICE failures in a row exhaust the single restart.
	conn := c1.factory.latest(id2)
	conn.hooks.OnICEConnectionStateChange(webrtc.ICEConnectionStateFailed)
	conn.hooks.OnICEConnectionStateChange(webrtc.ICEConnectionStateFailed)

	eventually(t, "c1 failed", func() bool { return c1.states.has(id2, negotiation.ConnectionFailed) })
	eventually(t, "c2 dropped the call", func() bool {
		_, ok := c2.ctrl.State(id1)
		return !ok
	})
	if _, ok := c1.ctrl.State(id2); ok {
		t.Error("c1 kept the failed session")
	}

	if err := c1.ctrl.StartCall(id2); err != nil {
		t.Fatalf("second StartCall failed: %v", err)
	}
	eventually(t, "second call stable", func() bool {
		s1, ok1 := c1.ctrl.State(id2)
		s2, ok2 := c2.ctrl.State(id1)
		return ok1 && ok2 && s1 == negotiation.StateStable && s2 == negotiation.StateStable
	})
	if n := c2.factory.count(id1); n != 2 {
		t.Errorf("c2 created %d connections, want 2", n)
	}
}

// TestPeerDisconnectEndsCall drops c2's relay link mid-call.
func TestPeerDisconnectEndsCall(t *testing.T) {
	url := startRelay(t)
	c1 := startEndpoint(t, url, signaling.DialectStandard)
	c2 := startEndpoint(t, url, signaling.DialectAlternate)
	id2 := c2.ctrl.ID()

	eventually(t, "c1 sees c2", func() bool { return len(c1.lastList()) == 1 })
	if err := c1.ctrl.StartCall(id2); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	eventually(t, "c1 connected", func() bool { return c1.states.has(id2, negotiation.ConnectionConnected) })

	c2.stop()
	<-c2.client.Done()

	eventually(t, "c1 closed", func() bool {
		_, ok := c1.ctrl.State(id2)
		return !ok
	})
}
