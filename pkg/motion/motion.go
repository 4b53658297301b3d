// Package motion drives the tower steppers toward the target orientation.
package motion

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/state"
)

// Config tunes the motion task.
type Config struct {
	StepsPerDegree float64 `yaml:"steps-per-degree"`
	// StepRate is pulses per second on each moving axis.
	StepRate float64 `yaml:"step-rate"`
	// Lookahead is how far ahead of the tick counter pulses are queued.
	Lookahead         time.Duration `yaml:"lookahead"`
	MaxPulsesPerSlice int           `yaml:"max-pulses-per-slice"`
	AzimuthLimits     Limits        `yaml:"azimuth"`
	ElevationLimits   Limits        `yaml:"elevation"`
	Home              HomeConfig    `yaml:"home"`
}

// HomeConfig references the azimuth against the limit switch at its
// reverse end.
type HomeConfig struct {
	OnBoot bool `yaml:"on-boot"`
	// Position is the azimuth in degrees of the last step before the
	// switch trips.
	Position float64 `yaml:"position"`
	// MaxTravel bounds the search in degrees.
	MaxTravel float64 `yaml:"max-travel"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		StepsPerDegree:    10,
		StepRate:          200,
		Lookahead:         20 * time.Millisecond,
		MaxPulsesPerSlice: 8,
		AzimuthLimits:     Limits{Min: 0, Max: 360},
		ElevationLimits:   Limits{Min: 0, Max: 90},
		Home:              HomeConfig{MaxTravel: 360},
	}
}

// Hardware is everything the motion task drives.
type Hardware struct {
	Steppers [numAxes]Stepper
	Ticks    TickSource
	// Relay and Positions are optional.
	Relay     Relay
	Positions PositionStore
}

// Task is the motion control task.
type Task struct {
	config Config
	hw     Hardware
	out    *state.MotionWriter

	notifier   fx.Notifier
	pending    atomic.Pointer[state.Orientation]
	jogs       [numAxes]atomic.Int64
	clearFault atomic.Bool
	home       atomic.Bool

	mode      Mode
	fault     error
	target    [numAxes]int64
	pos       [numAxes]int64
	interval  uint64
	lookahead uint64
	nextTick  uint64
	slips     uint64
	homeSteps int64
	homeLimit int64
}

// New creates the motion task, restoring the saved position if any.
func New(config Config, hw Hardware, out *state.MotionWriter) (*Task, error) {
	if hw.Ticks == nil || hw.Steppers[Azimuth] == nil || hw.Steppers[Elevation] == nil {
		return nil, errors.New("motion: steppers and tick source required")
	}
	if config.StepsPerDegree <= 0 || config.StepRate <= 0 || config.MaxPulsesPerSlice <= 0 || config.Home.MaxTravel <= 0 {
		return nil, fmt.Errorf("motion: invalid config %+v", config)
	}
	rate := hw.Ticks.TickRate()
	t := &Task{
		config:    config,
		hw:        hw,
		out:       out,
		interval:  uint64(float64(rate) / config.StepRate),
		lookahead: uint64(config.Lookahead.Seconds() * float64(rate)),
		homeLimit: degreesToSteps(config.Home.MaxTravel, config.StepsPerDegree),
	}
	if t.interval == 0 {
		return nil, fmt.Errorf("motion: step rate %v exceeds tick rate %d", config.StepRate, rate)
	}
	if t.lookahead < t.interval {
		t.lookahead = t.interval
	}
	if hw.Positions != nil {
		pos, ok, err := hw.Positions.LoadPosition()
		switch {
		case err != nil:
			glog.Warningf("motion: load position failed: %v", err)
		case ok:
			t.pos[Azimuth] = degreesToSteps(pos.Azimuth, config.StepsPerDegree)
			t.pos[Elevation] = degreesToSteps(pos.Elevation, config.StepsPerDegree)
			glog.Infof("motion: restored position %+v", pos)
		}
	}
	t.target = t.pos
	if config.Home.OnBoot {
		t.startHoming()
	}
	t.publish()
	return t, nil
}

// BindNotifier lets SetTarget and ClearFault wake the task.
func (t *Task) BindNotifier(n fx.Notifier) {
	t.notifier = n
}

// SetTarget replaces the pending target. The latest call wins.
func (t *Task) SetTarget(o state.Orientation) {
	t.pending.Store(&o)
	t.wake()
}

// ClearFault requests leaving the Fault state.
func (t *Task) ClearFault() {
	t.clearFault.Store(true)
	t.wake()
}

// Home requests a homing run. A request made while faulted waits for
// the fault to be cleared.
func (t *Task) Home() {
	t.home.Store(true)
	t.wake()
}

// Jog moves the target of axis by steps. Jogs add up until taken and
// the result is clamped to the axis limits.
func (t *Task) Jog(axis Axis, steps int64) {
	if axis < 0 || axis >= numAxes {
		return
	}
	t.jogs[axis].Add(steps)
	t.wake()
}

// Mode returns the current mode. Only meaningful from within the scheduler.
func (t *Task) Mode() Mode {
	return t.mode
}

// Slips counts pulse trains restarted because a slice came too late.
func (t *Task) Slips() uint64 {
	return t.slips
}

func (t *Task) wake() {
	if t.notifier != nil {
		t.notifier.Notify(fx.TaskMotion)
	}
}

// Step implements fx.Task.
func (t *Task) Step(sc fx.SliceContext) fx.Yield {
	t.takeFaultClear()
	t.takeHome()
	t.takeTarget()
	t.takeJogs()

	switch t.mode {
	case Idle, Fault:
		return fx.Block
	case Homing:
		return t.stepHoming(sc)
	case Seeking:
		if err := t.setRelay(true); err != nil {
			t.enterFault(err)
			return fx.Block
		}
		t.mode = Stepping
		t.publish()
	}

	for axis, st := range t.hw.Steppers {
		if err := st.Fault(); err != nil {
			t.enterFault(fmt.Errorf("%s: %w", Axis(axis), err))
			return fx.Block
		}
	}

	now := t.restartTrain()
	horizon := now + t.lookahead
	for n := 0; n < t.config.MaxPulsesPerSlice && t.nextTick <= horizon && !t.arrived(); n++ {
		if n > 0 && sc.ShouldYield() {
			break
		}
		if err := t.pulse(t.nextTick); err != nil {
			t.enterFault(err)
			return fx.Block
		}
		t.nextTick += t.interval
	}

	if t.arrived() {
		t.settle()
		return fx.Block
	}
	t.publish()
	return t.resume(sc, now)
}

func (t *Task) restartTrain() uint64 {
	now := t.hw.Ticks.Ticks()
	if t.nextTick < now {
		if t.nextTick != 0 {
			t.slips++
			glog.Warningf("motion: pulse train slipped %d ticks, restarting", now-t.nextTick)
		}
		t.nextTick = now
	}
	return now
}

// resume comes back while half of the lookahead window is still queued.
func (t *Task) resume(sc fx.SliceContext, now uint64) fx.Yield {
	if t.nextTick > now+t.lookahead/2 {
		ahead := t.nextTick - t.lookahead/2 - now
		d := time.Duration(ahead * uint64(time.Second) / t.hw.Ticks.TickRate())
		sc.WakeAt(sc.Now().Add(d))
		return fx.Sleep
	}
	return fx.Continue
}

func (t *Task) takeFaultClear() {
	if !t.clearFault.Swap(false) || t.mode != Fault {
		return
	}
	for axis, st := range t.hw.Steppers {
		if err := st.Reset(); err != nil {
			glog.Errorf("motion: reset %s failed: %v", Axis(axis), err)
			return
		}
	}
	glog.Infof("motion: fault cleared: %v", t.fault)
	t.mode, t.fault = Idle, nil
	if t.target != t.pos {
		t.mode = Seeking
	}
	t.publish()
}

func (t *Task) takeTarget() {
	o := t.pending.Swap(nil)
	if o == nil {
		return
	}
	az := t.config.AzimuthLimits.Clamp(NormalizeDegrees(o.Azimuth))
	el := t.config.ElevationLimits.Clamp(o.Elevation)
	t.target[Azimuth] = degreesToSteps(az, t.config.StepsPerDegree)
	t.target[Elevation] = degreesToSteps(el, t.config.StepsPerDegree)
	glog.V(1).Infof("motion: new target az=%.2f el=%.2f in %s", az, el, t.mode)
	t.retarget()
}

func (t *Task) takeJogs() {
	jogged := false
	for axis := range t.jogs {
		steps := t.jogs[axis].Swap(0)
		if steps == 0 {
			continue
		}
		limits := t.config.AzimuthLimits
		if Axis(axis) == Elevation {
			limits = t.config.ElevationLimits
		}
		d := limits.Clamp(stepsToDegrees(t.target[axis]+steps, t.config.StepsPerDegree))
		t.target[axis] = degreesToSteps(d, t.config.StepsPerDegree)
		glog.V(1).Infof("motion: jog %s by %d steps to %.2f in %s", Axis(axis), steps, d, t.mode)
		jogged = true
	}
	if jogged {
		t.retarget()
	}
}

// retarget follows a target change. A faulted or homing task keeps the
// target for later.
func (t *Task) retarget() {
	switch {
	case t.mode == Fault, t.mode == Homing:
	case t.target != t.pos:
		t.mode = Seeking
	case t.mode != Idle:
		t.settle()
		return
	}
	t.publish()
}

func (t *Task) takeHome() {
	if t.mode == Fault || !t.home.Swap(false) {
		return
	}
	t.startHoming()
	t.publish()
}

func (t *Task) startHoming() {
	glog.Infof("motion: homing azimuth, at most %.0f degrees", t.config.Home.MaxTravel)
	t.mode = Homing
	t.homeSteps = 0
	t.nextTick = 0
}

// stepHoming reverses the azimuth one pulse at a time until the limit
// switch latches.
func (t *Task) stepHoming(sc fx.SliceContext) fx.Yield {
	if t.homeSteps == 0 {
		if err := t.setRelay(true); err != nil {
			t.enterFault(err)
			return fx.Block
		}
	}
	st := t.hw.Steppers[Azimuth]
	now := t.restartTrain()
	horizon := now + t.lookahead
	for n := 0; n < t.config.MaxPulsesPerSlice && t.nextTick <= horizon; n++ {
		if n > 0 && sc.ShouldYield() {
			break
		}
		if err := st.Fault(); err != nil {
			if errors.Is(err, ErrLimitSwitch) {
				return t.homed()
			}
			t.enterFault(fmt.Errorf("homing: %s: %w", Azimuth, err))
			return fx.Block
		}
		if t.homeSteps >= t.homeLimit {
			t.enterFault(fmt.Errorf("homing: %w within %.0f degrees", ErrHomeNotFound, t.config.Home.MaxTravel))
			return fx.Block
		}
		if err := st.Pulse(Reverse, t.nextTick); err != nil && !errors.Is(err, ErrLimitSwitch) {
			t.enterFault(fmt.Errorf("homing: %s: %w", Azimuth, err))
			return fx.Block
		}
		t.homeSteps++
		t.nextTick += t.interval
	}
	return t.resume(sc, now)
}

// homed references the azimuth at the switch and moves on to the
// target. The stepper stands one step past the trip point.
func (t *Task) homed() fx.Yield {
	if err := t.hw.Steppers[Azimuth].Reset(); err != nil {
		t.enterFault(fmt.Errorf("homing: reset %s: %w", Azimuth, err))
		return fx.Block
	}
	t.pos[Azimuth] = degreesToSteps(t.config.Home.Position, t.config.StepsPerDegree) - 1
	t.nextTick = 0
	glog.Infof("motion: homed after %d steps, azimuth %.2f", t.homeSteps, t.config.Home.Position)
	if t.arrived() {
		t.settle()
		return fx.Block
	}
	t.mode = Stepping
	t.publish()
	return fx.Continue
}

func (t *Task) arrived() bool {
	return t.pos == t.target
}

func (t *Task) pulse(at uint64) error {
	for axis, st := range t.hw.Steppers {
		var dir Direction
		switch {
		case t.target[axis] > t.pos[axis]:
			dir = Forward
		case t.target[axis] < t.pos[axis]:
			dir = Reverse
		default:
			continue
		}
		if err := st.Pulse(dir, at); err != nil {
			return fmt.Errorf("%s: %w", Axis(axis), err)
		}
		t.pos[axis] += int64(dir)
	}
	return nil
}

func (t *Task) settle() {
	t.mode = Idle
	t.nextTick = 0
	if err := t.setRelay(false); err != nil {
		glog.Warningf("motion: relay off failed: %v", err)
	}
	cur := t.current()
	if t.hw.Positions != nil {
		if err := t.hw.Positions.SavePosition(cur); err != nil {
			glog.Warningf("motion: save position failed: %v", err)
		}
	}
	glog.V(1).Infof("motion: arrived at az=%.2f el=%.2f", cur.Azimuth, cur.Elevation)
	t.publish()
}

func (t *Task) enterFault(err error) {
	t.mode, t.fault = Fault, err
	t.nextTick = 0
	if rerr := t.setRelay(false); rerr != nil {
		glog.Warningf("motion: relay off failed: %v", rerr)
	}
	glog.Errorf("motion: fault: %v", err)
	t.publish()
}

func (t *Task) setRelay(on bool) error {
	if t.hw.Relay == nil {
		return nil
	}
	return t.hw.Relay.Set(on)
}

func (t *Task) current() state.Orientation {
	return state.Orientation{
		Azimuth:   stepsToDegrees(t.pos[Azimuth], t.config.StepsPerDegree),
		Elevation: stepsToDegrees(t.pos[Elevation], t.config.StepsPerDegree),
	}
}

func (t *Task) publish() {
	if t.out == nil {
		return
	}
	st := state.MotionStatus{
		Target: state.Orientation{
			Azimuth:   stepsToDegrees(t.target[Azimuth], t.config.StepsPerDegree),
			Elevation: stepsToDegrees(t.target[Elevation], t.config.StepsPerDegree),
		},
		Current: t.current(),
		Mode:    t.mode.String(),
	}
	if t.fault != nil {
		st.Fault = t.fault.Error()
	}
	t.out.Publish(st)
}
