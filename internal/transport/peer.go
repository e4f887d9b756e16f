// Package transport provides the pion-backed peer connection that the
// negotiation state machine drives, together with the input data channels.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Options configures every PeerConnection created through one factory.
type Options struct {
	// STUN servers for ICE candidate gathering. No TURN: peers are expected
	// to reach each other directly.
	STUNServers []string

	// IncludeLoopback gathers loopback candidates too. Useful for peers on
	// the same host.
	IncludeLoopback bool

	// OnChannel is called for every data channel as soon as it exists,
	// whether created locally or announced by the remote side. Wait on
	// Channel.Ready before sending.
	OnChannel func(ch *Channel)

	// OnTrack is called for every remote media track.
	OnTrack func(track *webrtc.TrackRemote)
}

// NewAPI builds a pion API whose internals log through the shared pterm
// logger.
func NewAPI(opts Options) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// NewFactory returns a negotiation.ConnFactory that creates PeerConnections
// on its own API.
func NewFactory(opts Options) negotiation.ConnFactory {
	return NewFactoryWithAPI(NewAPI(opts), opts)
}

// NewFactoryWithAPI returns a negotiation.ConnFactory on an existing API, so
// that many factories (one per call) share one SettingEngine.
func NewFactoryWithAPI(api *webrtc.API, opts Options) negotiation.ConnFactory {
	return func(initiator bool, h negotiation.Hooks) (negotiation.Conn, error) {
		return New(api, opts, initiator, h)
	}
}

// PeerConnection wraps one *webrtc.PeerConnection. It owns the data
// channels opened on it and releases them on Close.
type PeerConnection struct {
	pc   *webrtc.PeerConnection
	opts Options
	log  *util.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	pcState  webrtc.PeerConnectionState
}

var _ negotiation.Conn = (*PeerConnection)(nil)

// New creates a PeerConnection and registers h. An initiator also adds a
// receive-only video transceiver and the ordered pointer and keystroke data
// channels, which makes pion fire OnNegotiationNeeded.
func New(api *webrtc.API, opts Options, initiator bool, h negotiation.Hooks) (*PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: opts.STUNServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	p := &PeerConnection{
		pc:       pc,
		opts:     opts,
		log:      util.NewLogger("transport"),
		channels: make(map[string]*Channel),
		pcState:  webrtc.PeerConnectionStateNew,
	}

	if h.OnNegotiationNeeded != nil {
		pc.OnNegotiationNeeded(h.OnNegotiationNeeded)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if h.OnICECandidate == nil {
			return
		}
		if c == nil {
			h.OnICECandidate(nil)
			return
		}
		cand := c.ToJSON()
		h.OnICECandidate(&cand)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.log.Debugf("ICE state: %s", s)
		if h.OnICEConnectionStateChange != nil {
			h.OnICEConnectionStateChange(s)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debugf("PeerConnection state: %s", s)
		p.mu.Lock()
		p.pcState = s
		p.mu.Unlock()
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(s)
		}
	})
	pc.OnDataChannel(p.adopt)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Infof("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		if opts.OnTrack != nil {
			opts.OnTrack(track)
		}
	})

	if initiator {
		if err := p.setupInitiator(); err != nil {
			pc.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *PeerConnection) setupInitiator() error {
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("failed to add video transceiver: %w", err)
	}

	ordered := true
	for _, label := range []string{protocol.LabelPointer, protocol.LabelKeystroke} {
		dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return fmt.Errorf("failed to create %s channel: %w", label, err)
		}
		p.adopt(dc)
	}
	return nil
}

// adopt wraps dc and hands it to OnChannel right away, so that message
// handlers are in place before the first message can arrive.
func (p *PeerConnection) adopt(dc *webrtc.DataChannel) {
	ch := newChannel(dc)

	p.mu.Lock()
	if old, ok := p.channels[dc.Label()]; ok {
		old.Close()
	}
	p.channels[dc.Label()] = ch
	p.mu.Unlock()

	p.log.Debugf("data channel %q added", dc.Label())
	if p.opts.OnChannel != nil {
		p.opts.OnChannel(ch)
	}
}

// Channel returns the data channel with the given label, or nil.
func (p *PeerConnection) Channel(label string) *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[label]
}

// ConnectionState returns the last observed PeerConnection state.
func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pcState
}

// Close releases the data channels and the PeerConnection.
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	channels := p.channels
	p.channels = make(map[string]*Channel)
	p.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		errs = append(errs, ch.Close())
	}
	errs = append(errs, p.pc.Close())
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// negotiation.Conn
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer, optionally with fresh ICE credentials.
func (p *PeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

// CreateAnswer generates an SDP answer.
func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP. pion does not support a local
// rollback.
func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies the remote SDP.
func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// SignalingState returns pion's signaling state.
func (p *PeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

// LocalDescription returns the applied local SDP, or nil.
func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

// HasRemoteDescription reports whether a remote description is applied.
func (p *PeerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}
