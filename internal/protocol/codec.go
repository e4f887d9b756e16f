package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned for payloads that decode but fail validation.
var ErrInvalidEvent = errors.New("invalid input event")

// MaxEventSize bounds a single data channel message.
const MaxEventSize = 1024

// EncodePointer validates and serializes a PointerEvent.
func EncodePointer(ev PointerEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// DecodePointer parses and validates a PointerEvent.
func DecodePointer(data []byte) (PointerEvent, error) {
	var ev PointerEvent
	if err := decode(data, &ev); err != nil {
		return PointerEvent{}, err
	}
	return ev, ev.Validate()
}

// EncodeKey validates and serializes a KeyEvent.
func EncodeKey(ev KeyEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// DecodeKey parses and validates a KeyEvent.
func DecodeKey(data []byte) (KeyEvent, error) {
	var ev KeyEvent
	if err := decode(data, &ev); err != nil {
		return KeyEvent{}, err
	}
	return ev, ev.Validate()
}

func decode(data []byte, v interface{}) error {
	if len(data) > MaxEventSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidEvent, len(data), MaxEventSize)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Validate checks ranges and the kind name.
func (ev PointerEvent) Validate() error {
	if ev.X < 0 || ev.X > 1 || ev.Y < 0 || ev.Y > 1 {
		return fmt.Errorf("%w: position (%g, %g) outside [0, 1]", ErrInvalidEvent, ev.X, ev.Y)
	}
	switch ev.Kind {
	case PointerDown, PointerMove, PointerUp:
		return nil
	default:
		return fmt.Errorf("%w: pointer kind %q", ErrInvalidEvent, ev.Kind)
	}
}

// Validate requires at least one of Key and Code.
func (ev KeyEvent) Validate() error {
	if ev.Key == "" && ev.Code == "" {
		return fmt.Errorf("%w: key event without key or code", ErrInvalidEvent)
	}
	if ev.Modifiers&^(ModShift|ModCtrl|ModAlt|ModMeta) != 0 {
		return fmt.Errorf("%w: unknown modifier bits %#x", ErrInvalidEvent, ev.Modifiers)
	}
	return nil
}
