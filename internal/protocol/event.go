// Package protocol defines the input events carried over the peer data
// channels and their JSON wire encoding.
package protocol

// Data channel labels. Both channels are opened by the call initiator and
// are ordered.
const (
	LabelPointer   = "pointer"
	LabelKeystroke = "keystroke"
)

// Pointer event kinds.
const (
	PointerDown = "down"
	PointerMove = "move"
	PointerUp   = "up"
)

// Modifier bits carried in KeyEvent.Modifiers.
const (
	ModShift uint8 = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

// PointerEvent is one pointer sample. X and Y are normalized to [0, 1]
// relative to the sender's viewport.
type PointerEvent struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Buttons uint8   `json:"buttons"` // bitmask, 1 = primary
	Kind    string  `json:"kind"`    // PointerDown, PointerMove or PointerUp
}

// KeyEvent is one key transition.
type KeyEvent struct {
	Key       string `json:"key"`  // produced value, e.g. "a" or "Enter"
	Code      string `json:"code"` // physical key, e.g. "KeyA"
	Down      bool   `json:"down"`
	Modifiers uint8  `json:"modifiers,omitempty"`
}
