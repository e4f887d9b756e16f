package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

// ErrClosed is returned by operations on a session that has been torn down.
var ErrClosed = errors.New("negotiation session closed")

const defaultTimeout = 10 * time.Second

// Config describes one negotiation session.
type Config struct {
	Target        string // remote session id
	Polite        bool   // see IsPolite
	LocalJoinedAt int64  // sent as properties.joinedAt on offers and answers
	Initiator     bool   // true when the local side started the call

	Signaler Signaler
	NewConn  ConnFactory

	Timeout     time.Duration // offer/answer round trip bound, 0 means 10s
	MaxRestarts int           // ICE restarts before giving up

	// OnStateChange receives deduplicated connection states. It is never
	// called from inside New, but Close calls it on the caller's goroutine.
	// It must not block.
	OnStateChange func(target string, s ConnectionState)
}

// Session is the perfect-negotiation state machine toward one remote peer.
// Every event (signaling input, connection callback, timer) is queued and
// handled by a single goroutine in arrival order, so the negotiation flags
// below are only touched by that goroutine.
//
// The connection itself may be replaced during the session's life (a polite
// peer yielding an offer collision, or a restart from a stuck state). Only
// the event loop swaps it, under mu; events from a replaced connection are
// dropped.
type Session struct {
	cfg  Config
	conn Conn
	log  *util.Logger

	// event queue
	mu        sync.Mutex
	queue     []func()
	wake      chan struct{}
	done      chan struct{}
	closed    bool
	lastState ConnectionState
	reported  bool

	// loop-owned
	makingOffer                  bool
	ignoreOffer                  bool
	isSettingRemoteAnswerPending bool
	pending                      []webrtc.ICECandidateInit
	restarts                     int
	timer                        *time.Timer
	timerSeq                     int
	gen                          int // generation of conn, bumped on replacement
}

// New creates the session and its connection and starts the event loop.
func New(cfg Config) (*Session, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("negotiation: missing target")
	}
	if cfg.Signaler == nil || cfg.NewConn == nil {
		return nil, fmt.Errorf("negotiation: missing signaler or connection factory")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	s := &Session{
		cfg:  cfg,
		log:  util.NewLogger("negotiation").With(cfg.Target),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.post(func() { s.report(ConnectionConnecting) })

	conn, err := cfg.NewConn(cfg.Initiator, s.hooks(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection for %s: %w", cfg.Target, err)
	}
	s.conn = conn

	s.log.Debugf("session created (polite=%t, initiator=%t)", cfg.Polite, cfg.Initiator)
	go s.loop()
	return s, nil
}

// hooks binds connection callbacks to generation gen. Once the connection
// has been replaced their events are discarded on the loop.
func (s *Session) hooks(gen int) Hooks {
	on := func(fn func()) {
		s.post(func() {
			if gen == s.gen {
				fn()
			}
		})
	}
	return Hooks{
		OnNegotiationNeeded: func() { on(s.onNegotiationNeeded) },
		OnICECandidate: func(c *webrtc.ICECandidateInit) {
			if c != nil {
				cand := *c
				on(func() { s.onLocalCandidate(cand) })
			}
		},
		OnICEConnectionStateChange: func(st webrtc.ICEConnectionState) {
			if st == webrtc.ICEConnectionStateFailed {
				on(func() { s.restart("ICE failed") })
			}
		},
		OnConnectionStateChange: func(st webrtc.PeerConnectionState) {
			on(func() { s.onConnectionState(st) })
		},
	}
}

// Target returns the remote session id.
func (s *Session) Target() string { return s.cfg.Target }

// Polite reports the local role toward the target.
func (s *Session) Polite() bool { return s.cfg.Polite }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	closed, conn := s.closed, s.conn
	s.mu.Unlock()
	if closed {
		return StateClosed
	}
	return stateOf(conn.SignalingState())
}

// HandleMessage queues an inbound signaling message from the target.
// Offer, Answer and IceCandidate drive negotiation; CallEnd and
// Disconnected tear the session down immediately.
func (s *Session) HandleMessage(m signaling.Message) error {
	switch m.Kind {
	case signaling.KindOffer:
		sdp := m.SDP
		return s.post(func() { s.onOffer(sdp) })
	case signaling.KindAnswer:
		sdp := m.SDP
		return s.post(func() { s.onAnswer(sdp) })
	case signaling.KindIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice message without candidate")
		}
		c := webrtc.ICECandidateInit{
			Candidate:     m.Candidate.Candidate,
			SDPMid:        m.Candidate.SDPMid,
			SDPMLineIndex: m.Candidate.SDPMLineIndex,
		}
		return s.post(func() { s.onRemoteCandidate(c) })
	case signaling.KindCallEnd, signaling.KindDisconnected:
		s.Close()
		return nil
	default:
		return fmt.Errorf("unexpected %s for negotiation", m.Kind)
	}
}

// Close tears the session down: the connection and its data channels are
// released and the state becomes Closed. It takes effect immediately and is
// safe to call any number of times.
func (s *Session) Close() error {
	return s.shutdown(ConnectionClosed)
}

func (s *Session) shutdown(final ConnectionState) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	err := conn.Close()
	s.report(final)
	s.log.Debugf("session closed (%s)", final)
	return err
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// post appends fn to the event queue. It never blocks, so connection
// callbacks may call it from inside the connection's own goroutines.
func (s *Session) post(fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) loop() {
	defer s.stopTimer()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			fn()
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// report forwards a connection state to the observer, skipping repeats and
// anything after the terminal state.
func (s *Session) report(st ConnectionState) {
	s.mu.Lock()
	if s.reported && (s.lastState == st || s.lastState == ConnectionClosed || s.lastState == ConnectionFailed) {
		s.mu.Unlock()
		return
	}
	s.lastState, s.reported = st, true
	s.mu.Unlock()

	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s.cfg.Target, st)
	}
}

// ---------------------------------------------------------------------------
// Event handlers (event loop only)
// ---------------------------------------------------------------------------

func (s *Session) onNegotiationNeeded() {
	if s.isClosed() {
		return
	}
	if s.makingOffer || s.conn.SignalingState() != webrtc.SignalingStateStable {
		s.log.Debugf("negotiation needed while busy, skipped")
		return
	}
	if err := s.makeOffer(false); err != nil {
		s.log.Warnf("failed to send offer: %v", err)
	}
}

func (s *Session) makeOffer(iceRestart bool) error {
	s.makingOffer = true
	defer func() { s.makingOffer = false }()

	offer, err := s.conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := s.send(signaling.Message{Kind: signaling.KindOffer, SDP: offer.SDP}); err != nil {
		return err
	}
	s.armTimer()
	return nil
}

func (s *Session) onOffer(sdp string) {
	if s.isClosed() {
		return
	}

	offerCollision := s.makingOffer || s.conn.SignalingState() != webrtc.SignalingStateStable
	s.ignoreOffer = !s.cfg.Polite && offerCollision
	if s.ignoreOffer {
		s.log.Debugf("offer collision, ignoring remote offer")
		return
	}

	if offerCollision {
		// pion cannot roll back a local offer, so the polite side drops the
		// connection carrying it and answers on a fresh one.
		s.log.Debugf("offer collision, replacing connection to answer remote offer")
		if err := s.replaceConn(false); err != nil {
			s.log.Warnf("failed to yield offer collision: %v", err)
			if !errors.Is(err, ErrClosed) {
				s.shutdown(ConnectionFailed)
			}
			return
		}
	}

	if err := s.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		s.log.Warnf("failed to apply remote offer: %v", err)
		return
	}
	s.flushCandidates()

	answer, err := s.conn.CreateAnswer()
	if err != nil {
		s.log.Warnf("failed to create answer: %v", err)
		return
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		s.log.Warnf("failed to apply local answer: %v", err)
		return
	}
	if err := s.send(signaling.Message{Kind: signaling.KindAnswer, SDP: answer.SDP}); err != nil {
		s.log.Warnf("failed to send answer: %v", err)
	}
}

func (s *Session) onAnswer(sdp string) {
	if s.isClosed() {
		return
	}
	if s.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.log.Debugf("answer in state %s dropped", stateOf(s.conn.SignalingState()))
		return
	}

	s.isSettingRemoteAnswerPending = true
	err := s.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	s.isSettingRemoteAnswerPending = false
	if err != nil {
		s.log.Warnf("failed to apply remote answer: %v", err)
		return
	}

	s.stopTimer()
	s.flushCandidates()
}

func (s *Session) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if s.isClosed() {
		return
	}
	if !s.conn.HasRemoteDescription() {
		s.pending = append(s.pending, c)
		return
	}
	s.addCandidate(c)
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.conn.AddICECandidate(c); err != nil && !s.ignoreOffer {
		s.log.Warnf("failed to add ICE candidate: %v", err)
	}
}

func (s *Session) flushCandidates() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if s.isClosed() {
		return
	}
	msg := signaling.Message{
		Kind: signaling.KindIceCandidate,
		Candidate: &signaling.Candidate{
			Candidate:     c.Candidate,
			SDPMLineIndex: c.SDPMLineIndex,
			SDPMid:        c.SDPMid,
		},
	}
	if err := s.send(msg); err != nil {
		s.log.Debugf("failed to send ICE candidate: %v", err)
	}
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	if s.isClosed() {
		return
	}
	switch st {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		s.report(ConnectionConnecting)
	case webrtc.PeerConnectionStateConnected:
		s.restarts = 0
		s.report(ConnectionConnected)
	case webrtc.PeerConnectionStateDisconnected:
		s.report(ConnectionDisconnected)
	case webrtc.PeerConnectionStateFailed:
		// Failure surfaces only once restarts are exhausted.
	case webrtc.PeerConnectionStateClosed:
		s.Close()
	}
}

// restart recovers a stalled or failed negotiation, or gives up once
// MaxRestarts have been used. How depends on where negotiation stands:
//
//   - stable: ICE restart offer on the existing connection
//   - have-local-offer: the unanswered offer is sent again
//   - anything else: the connection is replaced
func (s *Session) restart(reason string) {
	if s.isClosed() {
		return
	}
	if s.restarts >= s.cfg.MaxRestarts {
		s.log.Warnf("%s, giving up after %d restarts", reason, s.restarts)
		s.shutdown(ConnectionFailed)
		return
	}
	s.restarts++
	s.log.Infof("%s, restart %d/%d", reason, s.restarts, s.cfg.MaxRestarts)

	var err error
	switch s.conn.SignalingState() {
	case webrtc.SignalingStateStable:
		err = s.makeOffer(true)
	case webrtc.SignalingStateHaveLocalOffer:
		err = s.resendOffer()
	default:
		err = s.replaceConn(s.cfg.Initiator)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warnf("restart failed: %v", err)
		s.shutdown(ConnectionFailed)
	}
}

// resendOffer repeats the pending local offer and re-arms the timer.
func (s *Session) resendOffer() error {
	offer := s.conn.LocalDescription()
	if offer == nil || offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("no local offer to resend")
	}
	if err := s.send(signaling.Message{Kind: signaling.KindOffer, SDP: offer.SDP}); err != nil {
		return err
	}
	s.armTimer()
	return nil
}

// replaceConn closes the current connection and continues on a new one.
// Buffered remote candidates are kept; an initiator connection starts its
// own offer through OnNegotiationNeeded.
func (s *Session) replaceConn(initiator bool) error {
	s.stopTimer()
	s.gen++
	conn, err := s.cfg.NewConn(initiator, s.hooks(s.gen))
	if err != nil {
		return fmt.Errorf("recreate peer connection: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	old := s.conn
	s.conn = conn
	s.mu.Unlock()

	if err := old.Close(); err != nil {
		s.log.Debugf("closing replaced connection: %v", err)
	}
	return nil
}

func (s *Session) send(m signaling.Message) error {
	m.Target = s.cfg.Target
	if m.Kind == signaling.KindOffer || m.Kind == signaling.KindAnswer {
		m.JoinedAt = s.cfg.LocalJoinedAt
	}
	if err := s.cfg.Signaler.Send(m); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Kind, s.cfg.Target, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Round-trip timer (event loop only)
// ---------------------------------------------------------------------------

func (s *Session) armTimer() {
	s.stopTimer()
	s.timerSeq++
	seq := s.timerSeq
	s.timer = time.AfterFunc(s.cfg.Timeout, func() {
		s.post(func() {
			if seq == s.timerSeq {
				s.timer = nil
				s.restart("negotiation timed out")
			}
		})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}
