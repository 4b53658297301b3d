// Package sim provides simulated tower hardware for host runs and tests.
package sim

import (
	"sync"
	"time"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/state"
)

// Ticks derives a hardware tick counter from a clock.
type Ticks struct {
	Clock fx.TimeSource
	Epoch time.Time
	Rate  uint64
}

// NewTicks creates Ticks starting at the clock's current time.
func NewTicks(clock fx.TimeSource, rate uint64) *Ticks {
	return &Ticks{Clock: clock, Epoch: clock.Now(), Rate: rate}
}

// Ticks implements motion.TickSource.
func (t *Ticks) Ticks() uint64 {
	d := t.Clock.Now().Sub(t.Epoch)
	if d < 0 {
		return 0
	}
	sec, frac := uint64(d/time.Second), uint64(d%time.Second)
	return sec*t.Rate + frac*t.Rate/uint64(time.Second)
}

// TickRate implements motion.TickSource.
func (t *Ticks) TickRate() uint64 {
	return t.Rate
}

// Pulse is one recorded step pulse.
type Pulse struct {
	Dir  motion.Direction
	Tick uint64
}

// Stepper records pulses and injects faults.
type Stepper struct {
	// StallAfter latches ErrStall after that many pulses, 0 disables.
	StallAfter int
	// LimitMin/LimitMax latch ErrLimitSwitch when the position passes them.
	LimitMin, LimitMax int64

	lock     sync.Mutex
	pulses   []Pulse
	position int64
	fault    error
}

// Pulse implements motion.Stepper.
func (s *Stepper) Pulse(dir motion.Direction, at uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.pulses = append(s.pulses, Pulse{Dir: dir, Tick: at})
	s.position += int64(dir)
	switch {
	case s.StallAfter > 0 && len(s.pulses) >= s.StallAfter:
		s.fault = motion.ErrStall
	case s.LimitMax > s.LimitMin && (s.position > s.LimitMax || s.position < s.LimitMin):
		s.fault = motion.ErrLimitSwitch
	}
	return nil
}

// Fault implements motion.Stepper.
func (s *Stepper) Fault() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fault
}

// Reset implements motion.Stepper.
func (s *Stepper) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.fault, s.StallAfter = nil, 0
	return nil
}

// Pulses returns a copy of the recorded pulses.
func (s *Stepper) Pulses() []Pulse {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Pulse(nil), s.pulses...)
}

// Position is the net number of steps taken.
func (s *Stepper) Position() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.position
}

// Relay records the driver power.
type Relay struct {
	lock     sync.Mutex
	on       bool
	switches int
}

// Set implements motion.Relay.
func (r *Relay) Set(on bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.on != on {
		r.on = on
		r.switches++
	}
	return nil
}

// On tells if the driver is powered.
func (r *Relay) On() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.on
}

// Positions is an in-memory motion.PositionStore.
type Positions struct {
	lock  sync.Mutex
	pos   state.Orientation
	saved bool
}

// LoadPosition implements motion.PositionStore.
func (p *Positions) LoadPosition() (state.Orientation, bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pos, p.saved, nil
}

// SavePosition implements motion.PositionStore.
func (p *Positions) SavePosition(o state.Orientation) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pos, p.saved = o, true
	return nil
}
