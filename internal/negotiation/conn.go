package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/signaling"
)

// Conn is the peer-connection capability a Session drives. It is satisfied
// by the pion-backed transport.PeerConnection and by in-memory fakes.
type Conn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	HasRemoteDescription() bool
	LocalDescription() *webrtc.SessionDescription // nil until one is applied
	Close() error
}

// Hooks are the connection events a Session listens to. Conn
// implementations may invoke them from any goroutine.
type Hooks struct {
	OnNegotiationNeeded        func()
	OnICECandidate             func(c *webrtc.ICECandidateInit) // nil once gathering is complete
	OnICEConnectionStateChange func(s webrtc.ICEConnectionState)
	OnConnectionStateChange    func(s webrtc.PeerConnectionState)
}

// ConnFactory creates the connection for one session. An initiator adds the
// receive-only video transceiver and the data channels, which in turn fires
// OnNegotiationNeeded; an answerer adds nothing and waits for the offer.
type ConnFactory func(initiator bool, h Hooks) (Conn, error)

// Signaler carries a session's outbound messages to the relay.
type Signaler interface {
	Send(m signaling.Message) error
}
