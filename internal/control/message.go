// Package control carries runtime reconfiguration to the detection loop.
//
// Messages arrive from the HTTP API or a watched command file, wait on a
// bounded Channel, and are applied by the consumer goroutine between frames
// so a setting never changes halfway through one.
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/crossing.report/internal/config"
)

// Type names a control message variant.
type Type string

const (
	SetLine              Type = "set_line"
	SetGap               Type = "set_gap"
	SetROI               Type = "set_roi"
	SetOrientation       Type = "set_orientation"
	ToggleOrientation    Type = "toggle_orientation"
	SetThreshold         Type = "set_threshold"
	ToggleDebugThreshold Type = "toggle_debug_threshold"
	SetMode              Type = "set_mode"
	Reset                Type = "reset"
	Finish               Type = "finish"
)

// Message is one control command. Value sets an absolute fraction; Delta
// nudges the current one. Exactly one of them is used by set_line, set_gap
// and set_threshold.
type Message struct {
	Type        Type        `json:"type"`
	Value       *float64    `json:"value,omitempty"`
	Delta       *float64    `json:"delta,omitempty"`
	ROI         *config.ROI `json:"roi,omitempty"`
	Orientation string      `json:"orientation,omitempty"`
	Mode        string      `json:"mode,omitempty"`
}

func (m Message) String() string {
	switch {
	case m.Value != nil:
		return fmt.Sprintf("%s value=%.3f", m.Type, *m.Value)
	case m.Delta != nil:
		return fmt.Sprintf("%s delta=%+.3f", m.Type, *m.Delta)
	case m.Orientation != "":
		return fmt.Sprintf("%s %s", m.Type, m.Orientation)
	case m.Mode != "":
		return fmt.Sprintf("%s %s", m.Type, m.Mode)
	}
	return string(m.Type)
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid control message")

func invalid(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, v...))
}

// Validate checks that the fields the type needs are present.
func (m Message) Validate() error {
	switch m.Type {
	case SetLine, SetGap, SetThreshold:
		if (m.Value == nil) == (m.Delta == nil) {
			return invalid("%s needs exactly one of value or delta", m.Type)
		}
	case SetROI:
		if m.ROI == nil {
			return invalid("set_roi needs roi")
		}
	case SetOrientation:
		if m.Orientation != "vertical" && m.Orientation != "horizontal" {
			return invalid("orientation must be vertical or horizontal, got %q", m.Orientation)
		}
	case SetMode:
		if m.Mode != "scan" && m.Mode != "auto" {
			return invalid("mode must be scan or auto, got %q", m.Mode)
		}
	case ToggleOrientation, ToggleDebugThreshold, Reset, Finish:
	case "":
		return invalid("missing type")
	default:
		return invalid("unknown type %q", m.Type)
	}
	return nil
}

// Parse decodes and validates one JSON message. Unknown fields are
// rejected so a typo does not silently become a no-op.
func Parse(data []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Float returns a pointer to v, for building messages in code.
func Float(v float64) *float64 { return &v }
