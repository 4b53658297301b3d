// Package msgs defines the message bus payloads of the tower: inbound
// commands, acks and outbound telemetry.
//
// Commands are JSON objects carrying exactly one command key and an
// optional correlation id:
//
//	{"id": "42", "set_target": {"azimuth": 180, "elevation": 30}}
package msgs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Command kinds, which are also the JSON keys.
const (
	KindSetTarget      = "set_target"
	KindUpdateFirmware = "update_firmware"
	KindCancelUpdate   = "cancel_update"
	KindGetStatus      = "get_status"
	KindClearFault     = "clear_fault"
	KindHome           = "home"
	KindJog            = "jog"
)

var (
	// ErrUnknownCommand indicates the command is unknown.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrNoCommand indicates the payload carries no command key.
	ErrNoCommand = errors.New("no command")
	// ErrAmbiguousCommand indicates more than one command key.
	ErrAmbiguousCommand = errors.New("more than one command")
)

// SetTarget moves the tower.
type SetTarget struct {
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
}

// UpdateFirmware triggers an update.
type UpdateFirmware struct {
	Version string `json:"version"`
	URI     string `json:"uri"`
	Size    uint64 `json:"size"`
	Digest  string `json:"digest"`
}

// CancelUpdate abandons the update in flight.
type CancelUpdate struct{}

// GetStatus asks for an immediate status message.
type GetStatus struct{}

// ClearFault leaves the motion fault state.
type ClearFault struct{}

// Home references the azimuth against its limit switch.
type Home struct{}

// Jog moves one axis by a number of steps from its current target.
type Jog struct {
	Axis  string `json:"axis"`
	Steps int64  `json:"steps"`
}

// Command is a decoded inbound command. Exactly one of the pointers is
// set.
type Command struct {
	ID             string          `json:"id,omitempty"`
	SetTarget      *SetTarget      `json:"set_target,omitempty"`
	UpdateFirmware *UpdateFirmware `json:"update_firmware,omitempty"`
	CancelUpdate   *CancelUpdate   `json:"cancel_update,omitempty"`
	GetStatus      *GetStatus      `json:"get_status,omitempty"`
	ClearFault     *ClearFault     `json:"clear_fault,omitempty"`
	Home           *Home           `json:"home,omitempty"`
	Jog            *Jog            `json:"jog,omitempty"`
}

// Kind is the command key.
func (c *Command) Kind() string {
	switch {
	case c.SetTarget != nil:
		return KindSetTarget
	case c.UpdateFirmware != nil:
		return KindUpdateFirmware
	case c.CancelUpdate != nil:
		return KindCancelUpdate
	case c.GetStatus != nil:
		return KindGetStatus
	case c.ClearFault != nil:
		return KindClearFault
	case c.Home != nil:
		return KindHome
	case c.Jog != nil:
		return KindJog
	}
	return ""
}

// Encode renders the command as JSON.
func (c *Command) Encode() ([]byte, error) {
	if c.Kind() == "" {
		return nil, ErrNoCommand
	}
	return json.Marshal(c)
}

// DecodeCommand parses and validates a command payload.
func DecodeCommand(data []byte) (*Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("malformed command: %w", ErrNoCommand)
	}
	cmd := &Command{}
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &cmd.ID); err != nil {
			return nil, fmt.Errorf("command id: %w", err)
		}
		delete(fields, "id")
	}
	switch len(fields) {
	case 0:
		return nil, ErrNoCommand
	case 1:
	default:
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousCommand, keys)
	}
	for kind, raw := range fields {
		var target interface{}
		switch kind {
		case KindSetTarget:
			cmd.SetTarget = &SetTarget{}
			target = cmd.SetTarget
		case KindUpdateFirmware:
			cmd.UpdateFirmware = &UpdateFirmware{}
			target = cmd.UpdateFirmware
		case KindCancelUpdate:
			cmd.CancelUpdate = &CancelUpdate{}
			target = cmd.CancelUpdate
		case KindGetStatus:
			cmd.GetStatus = &GetStatus{}
			target = cmd.GetStatus
		case KindClearFault:
			cmd.ClearFault = &ClearFault{}
			target = cmd.ClearFault
		case KindHome:
			cmd.Home = &Home{}
			target = cmd.Home
		case KindJog:
			cmd.Jog = &Jog{}
			target = cmd.Jog
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, kind)
		}
		if err := decodeStrict(raw, target); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New("null body")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (c *Command) validate() error {
	switch {
	case c.SetTarget != nil:
		t := c.SetTarget
		if !finite(t.Azimuth) || !finite(t.Elevation) {
			return fmt.Errorf("%s: non-finite angle", KindSetTarget)
		}
	case c.UpdateFirmware != nil:
		u := c.UpdateFirmware
		if u.Version == "" || u.URI == "" || u.Digest == "" {
			return fmt.Errorf("%s: version, uri and digest required", KindUpdateFirmware)
		}
	case c.Jog != nil:
		if c.Jog.Axis == "" || c.Jog.Steps == 0 {
			return fmt.Errorf("%s: axis and non-zero steps required", KindJog)
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Ack results.
const (
	AckOK       = "ok"
	AckAccepted = "accepted"
	AckNoOp     = "noop"
	AckBusy     = "busy"
	AckRejected = "rejected"
	AckError    = "error"
)

// Ack answers a command carrying an id.
type Ack struct {
	ID      string `json:"id"`
	Command string `json:"command,omitempty"`
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}

// DecodeAck parses an ack payload.
func DecodeAck(data []byte) (*Ack, error) {
	var a Ack
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Encode renders the ack as JSON.
func (a *Ack) Encode() ([]byte, error) {
	return json.Marshal(a)
}
