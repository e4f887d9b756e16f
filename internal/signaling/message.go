// Package signaling defines the control messages exchanged through the relay,
// the two wire dialects they travel in, and the peer-side relay link.
package signaling

import (
	"encoding/json"
	"strings"
)

// Kind identifies the logical kind of a signaling message, independent of
// the dialect it was serialized in.
type Kind int

const (
	KindUnknown       Kind = iota
	KindIdentity           // relay → client: assigned session id
	KindAnnounce           // client → relay: dialect / properties declaration
	KindListRequest        // client → relay: "who is here?"
	KindPeerList           // relay → client: everyone except the receiver
	KindClientEntered      // relay → client: own properties, once after connect
	KindOffer
	KindAnswer
	KindIceCandidate
	KindCallStart
	KindCallEnd
	KindDisconnected // relay → clients: sender left
)

var kindNames = [...]string{
	KindUnknown:       "Unknown",
	KindIdentity:      "Identity",
	KindAnnounce:      "Announce",
	KindListRequest:   "ListRequest",
	KindPeerList:      "PeerList",
	KindClientEntered: "ClientEntered",
	KindOffer:         "Offer",
	KindAnswer:        "Answer",
	KindIceCandidate:  "IceCandidate",
	KindCallStart:     "CallStart",
	KindCallEnd:       "CallEnd",
	KindDisconnected:  "Disconnected",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// Dialect is one of the two serializations of the same protocol.
type Dialect int

const (
	DialectUnknown   Dialect = iota
	DialectStandard          // {"type": ..., "content": {"candidate": ...}}
	DialectAlternate         // TouchDesigner style: {"signalingType": ..., "content": {"sdpCandidate": ...}}
)

func (d Dialect) String() string {
	switch d {
	case DialectStandard:
		return "standard"
	case DialectAlternate:
		return "alternate"
	default:
		return "unknown"
	}
}

// ParseDialect maps a declared dialect name to a Dialect. Matching is case
// insensitive; "touchdesigner" and "td" are accepted as Alternate.
func ParseDialect(s string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard", "std", "web":
		return DialectStandard, true
	case "alternate", "alt", "touchdesigner", "td":
		return DialectAlternate, true
	default:
		return DialectUnknown, false
	}
}

// Peer describes one connected client as seen in peer lists and in the
// ClientEntered self description.
type Peer struct {
	ID       string
	JoinedAt int64

	// Unrecognized peer fields, passed through verbatim. Extra is the peer
	// object itself; PropertiesExtra is its nested "properties" object, which
	// only the alternate dialect has. Flat peers fold both into one object.
	Extra           map[string]json.RawMessage
	PropertiesExtra map[string]json.RawMessage
}

// Candidate is the logical content of an ICE candidate message.
type Candidate struct {
	Candidate     string
	SDPMLineIndex *uint16
	SDPMid        *string
}

// Message is the single internal representation of every signaling frame.
// Only the content fields relevant to Kind are populated.
type Message struct {
	Kind   Kind
	Sender string // stamped by the relay; "" before that
	Target string // "" means broadcast

	ID        string     // Identity
	Dialect   Dialect    // Announce
	SDP       string     // Offer, Answer
	JoinedAt  int64      // properties.joinedAt on Offer/Answer/CallStart/CallEnd/Announce, 0 when absent
	Candidate *Candidate // IceCandidate
	Clients   []Peer     // PeerList
	Self      *Peer      // ClientEntered

	// Unrecognized fields, kept so that translation is forward compatible.
	Extra           map[string]json.RawMessage // envelope level (e.g. "metadata")
	ContentExtra    map[string]json.RawMessage // content level
	PropertiesExtra map[string]json.RawMessage // content.properties level
}

// WithSender returns a shallow copy of m with Sender replaced.
func (m Message) WithSender(id string) Message {
	m.Sender = id
	return m
}

// hasProperties reports whether kind carries a content.properties object.
func (k Kind) hasProperties() bool {
	switch k {
	case KindOffer, KindAnswer, KindCallStart, KindCallEnd, KindAnnounce:
		return true
	}
	return false
}
