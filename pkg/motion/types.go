package motion

import (
	"errors"
	"fmt"

	"github.com/robotalks/suntower/pkg/state"
)

var (
	// ErrStall is reported by a stepper driver detecting a stalled motor.
	ErrStall = errors.New("stepper stalled")
	// ErrLimitSwitch is reported when an end stop is hit.
	ErrLimitSwitch = errors.New("limit switch triggered")
	// ErrHomeNotFound is the fault of a homing run exceeding its travel.
	ErrHomeNotFound = errors.New("limit switch not found")
)

// Axis identifies a motor.
type Axis int

// Axes.
const (
	Azimuth Axis = iota
	Elevation
	numAxes
)

func (a Axis) String() string {
	if a == Azimuth {
		return "azimuth"
	}
	return "elevation"
}

// ParseAxis parses an axis name.
func ParseAxis(name string) (Axis, error) {
	switch name {
	case "azimuth", "az":
		return Azimuth, nil
	case "elevation", "el":
		return Elevation, nil
	}
	return Azimuth, fmt.Errorf("unknown axis %q", name)
}

// Direction of a step.
type Direction int8

// Directions.
const (
	Forward Direction = 1
	Reverse Direction = -1
)

// Stepper drives one stepper motor. Pulses are queued by the driver and
// emitted by hardware at the given absolute tick, so the cadence does not
// depend on when the software queued them.
type Stepper interface {
	Pulse(dir Direction, atTick uint64) error
	// Fault returns the latched hardware fault, nil if healthy.
	Fault() error
	// Reset clears a latched fault.
	Reset() error
}

// TickSource is the free running hardware counter driving pulses.
type TickSource interface {
	Ticks() uint64
	// TickRate is ticks per second.
	TickRate() uint64
}

// Relay switches the motor driver power.
type Relay interface {
	Set(on bool) error
}

// PositionStore persists the last stable orientation.
type PositionStore interface {
	LoadPosition() (pos state.Orientation, ok bool, err error)
	SavePosition(state.Orientation) error
}

// Mode is the motion state.
type Mode int

// Modes.
const (
	Idle Mode = iota
	Seeking
	Stepping
	Fault
	// Homing steps the azimuth toward its limit switch.
	Homing
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "Idle"
	case Seeking:
		return "Seeking"
	case Stepping:
		return "Stepping"
	case Fault:
		return "Fault"
	case Homing:
		return "Homing"
	}
	return "Unknown"
}
