// Package negotiation implements the per-remote perfect-negotiation state
// machine: role assignment, offer/answer/candidate exchange, glare
// resolution, renegotiation and ICE restart on top of a peer connection.
package negotiation

import (
	"github.com/pion/webrtc/v4"
)

// State is the negotiation session's view of the signaling state.
type State int

const (
	StateStable State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func stateOf(s webrtc.SignalingState) State {
	switch s {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return StateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return StateHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return StateClosed
	default:
		return StateStable
	}
}

// ConnectionState is the only negotiation detail that crosses the external
// interface.
type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsPolite decides the local role toward one remote peer. The peer that
// joined the relay later is polite; equal join times fall back to comparing
// ids so that exactly one side of every pair is polite.
func IsPolite(localID string, localJoinedAt int64, remoteID string, remoteJoinedAt int64) bool {
	if localJoinedAt != remoteJoinedAt {
		return localJoinedAt > remoteJoinedAt
	}
	return localID > remoteID
}
