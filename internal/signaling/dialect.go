package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object or miss
	// a field their kind requires.
	ErrMalformed = errors.New("malformed signaling frame")

	// ErrUnknownKind is returned for frames whose kind name is not recognized.
	ErrUnknownKind = errors.New("unknown signaling kind")
)

// dialectSpec captures every place where the two dialects differ. Anything
// not listed here is shared.
type dialectSpec struct {
	kindKey      string // envelope key carrying the kind name
	candidateKey string // content key carrying the candidate line
	joinedKey    string // properties key carrying the join time
	nestedPeers  bool   // peer join time lives under a "properties" object
	names        map[Kind]string
}

var standardSpec = dialectSpec{
	kindKey:      "type",
	candidateKey: "candidate",
	joinedKey:    "joinedAt",
	names: map[Kind]string{
		KindIdentity:      "Id",
		KindAnnounce:      "Announce",
		KindListRequest:   "ListClients",
		KindPeerList:      "Clients",
		KindClientEntered: "ClientEntered",
		KindOffer:         "Offer",
		KindAnswer:        "Answer",
		KindIceCandidate:  "Ice",
		KindCallStart:     "CallStart",
		KindCallEnd:       "CallEnd",
		KindDisconnected:  "ClientDisconnected",
	},
}

// The alternate dialect uses "ListClients" for both the request and the
// reply; the reply is the one whose content carries "clients".
var alternateSpec = dialectSpec{
	kindKey:      "signalingType",
	candidateKey: "sdpCandidate",
	joinedKey:    "timeJoined",
	nestedPeers:  true,
	names: map[Kind]string{
		KindIdentity:      "Id",
		KindAnnounce:      "Announce",
		KindListRequest:   "ListClients",
		KindPeerList:      "ListClients",
		KindClientEntered: "ClientEntered",
		KindOffer:         "Offer",
		KindAnswer:        "Answer",
		KindIceCandidate:  "Ice",
		KindCallStart:     "CallStart",
		KindCallEnd:       "CallEnd",
		KindDisconnected:  "ClientDisconnected",
	},
}

func specFor(d Dialect) *dialectSpec {
	if d == DialectAlternate {
		return &alternateSpec
	}
	return &standardSpec
}

// kindOf resolves a wire name. The first match in Kind order wins, which
// makes alternate "ListClients" a ListRequest until content says otherwise.
func (s *dialectSpec) kindOf(name string) Kind {
	for k := KindIdentity; k <= KindDisconnected; k++ {
		if s.names[k] == name {
			return k
		}
	}
	return KindUnknown
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

// ToStandard rewrites a frame of either dialect into the standard dialect.
// Sender and target are carried over untouched; unknown fields pass through.
func ToStandard(frame []byte) ([]byte, error) {
	return translate(frame, DialectStandard)
}

// ToAlternate rewrites a frame of either dialect into the alternate dialect.
func ToAlternate(frame []byte) ([]byte, error) {
	return translate(frame, DialectAlternate)
}

func translate(frame []byte, to Dialect) ([]byte, error) {
	m, _, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	return Encode(to, m)
}

// ---------------------------------------------------------------------------
// Decode
// ---------------------------------------------------------------------------

// Decode parses a frame of either dialect. The dialect is inferred from the
// envelope key that carries the kind.
func Decode(frame []byte) (Message, Dialect, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, DialectUnknown, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env == nil {
		return Message{}, DialectUnknown, fmt.Errorf("%w: frame is null", ErrMalformed)
	}

	dialect := DialectStandard
	rawKind, ok := env[standardSpec.kindKey]
	if !ok {
		if rawKind, ok = env[alternateSpec.kindKey]; !ok {
			return Message{}, DialectUnknown, fmt.Errorf("%w: missing kind", ErrMalformed)
		}
		dialect = DialectAlternate
	}
	ds := specFor(dialect)
	delete(env, ds.kindKey)

	var name string
	if err := json.Unmarshal(rawKind, &name); err != nil {
		return Message{}, dialect, fmt.Errorf("%w: kind must be a string", ErrMalformed)
	}
	kind := ds.kindOf(name)
	if kind == KindUnknown {
		return Message{}, dialect, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}

	m := Message{Kind: kind}
	var err error
	if m.Sender, err = optString(take(env, "sender")); err != nil {
		return Message{}, dialect, fmt.Errorf("%w: sender: %v", ErrMalformed, err)
	}
	if m.Target, err = optString(take(env, "target")); err != nil {
		return Message{}, dialect, fmt.Errorf("%w: target: %v", ErrMalformed, err)
	}

	content, err := object(take(env, "content"))
	if err != nil {
		return Message{}, dialect, fmt.Errorf("%w: content: %v", ErrMalformed, err)
	}
	if len(env) > 0 {
		m.Extra = env
	}

	if dialect == DialectAlternate && kind == KindListRequest {
		if _, ok := content["clients"]; ok {
			m.Kind = KindPeerList
		}
	}

	if err := ds.decodeContent(&m, content); err != nil {
		return Message{}, dialect, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Kind, err)
	}
	return m, dialect, nil
}

func (s *dialectSpec) decodeContent(m *Message, c map[string]json.RawMessage) error {
	var err error

	if m.Kind.hasProperties() {
		if err := s.decodeProperties(m, take(c, "properties")); err != nil {
			return err
		}
	}

	switch m.Kind {
	case KindIdentity:
		if m.ID, err = requireString(c, "id"); err != nil {
			return err
		}

	case KindAnnounce:
		name, err := optString(take(c, "dialect"))
		if err != nil {
			return fmt.Errorf("dialect: %v", err)
		}
		m.Dialect, _ = ParseDialect(name)

	case KindOffer, KindAnswer:
		if m.SDP, err = requireString(c, "sdp"); err != nil {
			return err
		}

	case KindIceCandidate:
		raw, ok := c[s.candidateKey]
		if !ok {
			return fmt.Errorf("missing %q", s.candidateKey)
		}
		delete(c, s.candidateKey)
		cand := &Candidate{}
		if err := json.Unmarshal(raw, &cand.Candidate); err != nil {
			return fmt.Errorf("%s must be a string", s.candidateKey)
		}
		if raw := take(c, "sdpMLineIndex"); !isNull(raw) {
			idx, err := optInt64(raw)
			if err != nil || idx < 0 || idx > 0xFFFF {
				return fmt.Errorf("sdpMLineIndex must be an integer in [0, 65535]")
			}
			v := uint16(idx)
			cand.SDPMLineIndex = &v
		}
		if raw := take(c, "sdpMid"); !isNull(raw) {
			var mid string
			if err := json.Unmarshal(raw, &mid); err != nil {
				return fmt.Errorf("sdpMid must be a string")
			}
			cand.SDPMid = &mid
		}
		m.Candidate = cand

	case KindPeerList:
		raw := take(c, "clients")
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("clients must be an array of objects")
		}
		m.Clients = make([]Peer, 0, len(entries))
		for i, e := range entries {
			p, err := s.decodePeer(e)
			if err != nil {
				return fmt.Errorf("clients[%d]: %v", i, err)
			}
			m.Clients = append(m.Clients, p)
		}

	case KindClientEntered:
		raw, ok := c["self"]
		if !ok || isNull(raw) {
			return fmt.Errorf("missing %q", "self")
		}
		delete(c, "self")
		obj, err := object(raw)
		if err != nil {
			return fmt.Errorf("self: %v", err)
		}
		p, err := s.decodePeer(obj)
		if err != nil {
			return fmt.Errorf("self: %v", err)
		}
		m.Self = &p
	}

	if len(c) > 0 {
		m.ContentExtra = c
	}
	return nil
}

func (s *dialectSpec) decodeProperties(m *Message, raw json.RawMessage) error {
	props, err := object(raw)
	if err != nil {
		return fmt.Errorf("properties: %v", err)
	}
	if m.JoinedAt, err = optInt64(take(props, s.joinedKey)); err != nil {
		return fmt.Errorf("properties.%s: %v", s.joinedKey, err)
	}
	if len(props) > 0 {
		m.PropertiesExtra = props
	}
	return nil
}

func (s *dialectSpec) decodePeer(obj map[string]json.RawMessage) (Peer, error) {
	var p Peer
	var err error
	if p.ID, err = requireString(obj, "id"); err != nil {
		return Peer{}, err
	}

	if s.nestedPeers {
		props, err := object(take(obj, "properties"))
		if err != nil {
			return Peer{}, fmt.Errorf("properties: %v", err)
		}
		if p.JoinedAt, err = optInt64(take(props, s.joinedKey)); err != nil {
			return Peer{}, fmt.Errorf("properties.%s: %v", s.joinedKey, err)
		}
		if len(props) > 0 {
			p.PropertiesExtra = props
		}
	} else if p.JoinedAt, err = optInt64(take(obj, s.joinedKey)); err != nil {
		return Peer{}, fmt.Errorf("%s: %v", s.joinedKey, err)
	}
	if len(obj) > 0 {
		p.Extra = obj
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Encode
// ---------------------------------------------------------------------------

// Encode serializes m in dialect d. DialectUnknown encodes as standard.
func Encode(d Dialect, m Message) ([]byte, error) {
	ds := specFor(d)
	name, ok := ds.names[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, m.Kind)
	}

	content, err := ds.encodeContent(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Kind, err)
	}

	env := make(map[string]interface{}, len(m.Extra)+4)
	for k, v := range m.Extra {
		env[k] = v
	}
	env[ds.kindKey] = name
	if m.Sender == "" {
		env["sender"] = nil
	} else {
		env["sender"] = m.Sender
	}
	env["target"] = m.Target
	env["content"] = content

	return json.Marshal(env)
}

func (s *dialectSpec) encodeContent(m Message) (map[string]interface{}, error) {
	c := make(map[string]interface{}, len(m.ContentExtra)+3)
	for k, v := range m.ContentExtra {
		c[k] = v
	}

	if m.Kind.hasProperties() {
		props := make(map[string]interface{}, len(m.PropertiesExtra)+1)
		for k, v := range m.PropertiesExtra {
			props[k] = v
		}
		if m.JoinedAt != 0 {
			props[s.joinedKey] = m.JoinedAt
		}
		if len(props) > 0 {
			c["properties"] = props
		}
	}

	switch m.Kind {
	case KindIdentity:
		if m.ID == "" {
			return nil, fmt.Errorf("missing id")
		}
		c["id"] = m.ID

	case KindAnnounce:
		if m.Dialect != DialectUnknown {
			c["dialect"] = m.Dialect.String()
		}

	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return nil, fmt.Errorf("missing sdp")
		}
		c["sdp"] = m.SDP

	case KindIceCandidate:
		if m.Candidate == nil {
			return nil, fmt.Errorf("missing candidate")
		}
		c[s.candidateKey] = m.Candidate.Candidate
		if m.Candidate.SDPMLineIndex != nil {
			c["sdpMLineIndex"] = *m.Candidate.SDPMLineIndex
		}
		if m.Candidate.SDPMid != nil {
			c["sdpMid"] = *m.Candidate.SDPMid
		}

	case KindPeerList:
		clients := make([]interface{}, 0, len(m.Clients))
		for _, p := range m.Clients {
			clients = append(clients, s.encodePeer(p))
		}
		c["clients"] = clients

	case KindClientEntered:
		if m.Self == nil {
			return nil, fmt.Errorf("missing self")
		}
		c["self"] = s.encodePeer(*m.Self)
	}

	return c, nil
}

func (s *dialectSpec) encodePeer(p Peer) map[string]interface{} {
	out := make(map[string]interface{}, len(p.Extra)+len(p.PropertiesExtra)+2)
	props := out
	if s.nestedPeers {
		props = make(map[string]interface{}, len(p.PropertiesExtra)+1)
	}
	for k, v := range p.PropertiesExtra {
		props[k] = v
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	props[s.joinedKey] = p.JoinedAt
	if s.nestedPeers {
		out["properties"] = props
	}
	out["id"] = p.ID
	return out
}

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

// take removes key from obj and returns its raw value (nil when absent).
func take(obj map[string]json.RawMessage, key string) json.RawMessage {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	delete(obj, key)
	return raw
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// object decodes raw as a JSON object; absent or null yields an empty map.
func object(raw json.RawMessage) (map[string]json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if isNull(raw) {
		return obj, nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("must be an object")
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	return obj, nil
}

// optString decodes raw as a string; absent or null yields "".
func optString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("must be a string")
	}
	return s, nil
}

func requireString(obj map[string]json.RawMessage, key string) (string, error) {
	s, err := optString(take(obj, key))
	if err != nil {
		return "", fmt.Errorf("%s %v", key, err)
	}
	if s == "" {
		return "", fmt.Errorf("missing %q", key)
	}
	return s, nil
}

// optInt64 decodes raw as a number, truncating fractions; absent or null yields 0.
func optInt64(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("must be a number")
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("must be a number")
	}
	return int64(f), nil
}
