package motion_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/sim"
	"github.com/robotalks/suntower/pkg/state"
)

var epoch = time.Date(2026, 6, 21, 6, 0, 0, 0, time.UTC)

const tickRate = 1000000

type rig struct {
	clock  *fx.ManualClock
	sched  *fx.Scheduler
	store  *state.Store
	task   *motion.Task
	az, el *sim.Stepper
	relay  *sim.Relay
	pos    *sim.Positions
}

func newRig(t *testing.T, az *sim.Stepper, pos *sim.Positions) *rig {
	return newRigWith(t, motion.DefaultConfig(), az, pos)
}

func newRigWith(t *testing.T, config motion.Config, az *sim.Stepper, pos *sim.Positions) *rig {
	r := &rig{
		clock: fx.NewManualClock(epoch),
		store: state.NewStore(),
		az:    az,
		el:    &sim.Stepper{},
		relay: &sim.Relay{},
		pos:   pos,
	}
	if r.az == nil {
		r.az = &sim.Stepper{}
	}
	if r.pos == nil {
		r.pos = &sim.Positions{}
	}
	r.sched = fx.NewScheduler(r.clock)
	hw := motion.Hardware{
		Ticks:     sim.NewTicks(r.clock, tickRate),
		Relay:     r.relay,
		Positions: r.pos,
	}
	hw.Steppers[motion.Azimuth] = r.az
	hw.Steppers[motion.Elevation] = r.el
	task, err := motion.New(config, hw, r.store.ClaimMotion())
	require.NoError(t, err)
	task.BindNotifier(r.sched)
	r.task = task
	require.NoError(t, r.sched.Register(fx.TaskSpec{ID: fx.TaskMotion, Task: task}))
	return r
}

func (r *rig) runFor(d time.Duration) {
	end := r.clock.Now().Add(d)
	for r.clock.Now().Before(end) {
		ran, next := r.sched.Poll()
		if ran {
			continue
		}
		if next.IsZero() || next.After(end) {
			r.clock.Set(end)
			return
		}
		r.clock.Set(next)
	}
}

func requireSteadyCadence(t *testing.T, pulses []sim.Pulse, interval uint64, tolerance float64) {
	for i := 1; i < len(pulses); i++ {
		d := float64(pulses[i].Tick - pulses[i-1].Tick)
		require.InDelta(t, float64(interval), d, float64(interval)*tolerance, "pulse %d", i)
	}
}

func TestMotionMovesToTarget(t *testing.T) {
	r := newRig(t, nil, nil)
	r.task.SetTarget(state.Orientation{Azimuth: 10, Elevation: 5})
	r.runFor(10 * time.Millisecond)
	require.True(t, r.relay.On())
	require.Equal(t, "Stepping", r.store.Motion().Mode)

	r.runFor(time.Second)
	st := r.store.Motion()
	require.Equal(t, "Idle", st.Mode)
	require.Equal(t, state.Orientation{Azimuth: 10, Elevation: 5}, st.Current)
	require.EqualValues(t, 100, r.az.Position())
	require.EqualValues(t, 50, r.el.Position())
	require.False(t, r.relay.On())
	saved, ok, _ := r.pos.LoadPosition()
	require.True(t, ok)
	require.Equal(t, st.Current, saved)
	// 200 pulses/s on a 1MHz counter.
	requireSteadyCadence(t, r.az.Pulses(), 5000, 0)
	require.Zero(t, r.task.Slips())
}

func TestMotionNewTargetMidSeek(t *testing.T) {
	r := newRig(t, nil, nil)
	r.task.SetTarget(state.Orientation{Azimuth: 90})
	r.runFor(500 * time.Millisecond)
	reached := r.az.Position()
	require.Greater(t, reached, int64(50))
	require.Less(t, reached, int64(900))

	r.task.SetTarget(state.Orientation{Azimuth: 5})
	r.runFor(5 * time.Second)

	var pos, peak int64
	for _, p := range r.az.Pulses() {
		pos += int64(p.Dir)
		if pos > peak {
			peak = pos
		}
	}
	require.Equal(t, reached, peak)
	require.EqualValues(t, 50, r.az.Position())
	st := r.store.Motion()
	require.Equal(t, "Idle", st.Mode)
	require.Equal(t, 5.0, st.Current.Azimuth)
	require.Equal(t, 5.0, st.Target.Azimuth)
}

func TestMotionFaultNeedsClear(t *testing.T) {
	r := newRig(t, &sim.Stepper{StallAfter: 10}, nil)
	r.task.SetTarget(state.Orientation{Azimuth: 10})
	r.runFor(time.Second)
	st := r.store.Motion()
	require.Equal(t, "Fault", st.Mode)
	require.Contains(t, st.Fault, motion.ErrStall.Error())
	require.False(t, r.relay.On())
	require.EqualValues(t, 10, r.az.Position())

	// targets are remembered but not acted on while faulted.
	r.task.SetTarget(state.Orientation{Azimuth: 20})
	r.runFor(time.Second)
	require.Equal(t, "Fault", r.store.Motion().Mode)
	require.EqualValues(t, 10, r.az.Position())

	r.task.ClearFault()
	r.runFor(2 * time.Second)
	st = r.store.Motion()
	require.Equal(t, "Idle", st.Mode)
	require.Empty(t, st.Fault)
	require.EqualValues(t, 200, r.az.Position())
}

func TestMotionLimitSwitch(t *testing.T) {
	r := newRig(t, &sim.Stepper{LimitMin: -1, LimitMax: 30}, nil)
	r.task.SetTarget(state.Orientation{Azimuth: 10})
	r.runFor(time.Second)
	st := r.store.Motion()
	require.Equal(t, "Fault", st.Mode)
	require.Contains(t, st.Fault, motion.ErrLimitSwitch.Error())
}

func TestMotionTargetClamped(t *testing.T) {
	r := newRig(t, nil, nil)
	r.task.SetTarget(state.Orientation{Azimuth: -10, Elevation: 120})
	r.sched.Poll()
	require.Equal(t, state.Orientation{Azimuth: 350, Elevation: 90}, r.store.Motion().Target)
}

func TestMotionRestoresPosition(t *testing.T) {
	pos := &sim.Positions{}
	require.NoError(t, pos.SavePosition(state.Orientation{Azimuth: 30, Elevation: 10}))
	r := newRig(t, nil, pos)
	st := r.store.Motion()
	require.Equal(t, state.Orientation{Azimuth: 30, Elevation: 10}, st.Current)
	require.Equal(t, st.Current, st.Target)

	r.task.SetTarget(state.Orientation{Azimuth: 29, Elevation: 10})
	r.runFor(time.Second)
	require.EqualValues(t, -10, r.az.Position())
	require.Zero(t, r.el.Position())
}

func TestMotionCadenceUnderLoad(t *testing.T) {
	testCases := []struct {
		name      string
		chunkCost time.Duration
		slips     bool
	}{
		{name: "chunk writes within the window", chunkCost: time.Millisecond},
		{name: "slices longer than the window", chunkCost: 30 * time.Millisecond, slips: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, nil, nil)
			cost := tc.chunkCost
			require.NoError(t, r.sched.Register(fx.TaskSpec{
				ID:     fx.TaskUpdate,
				Budget: time.Second,
				Task: fx.StepFunc(func(fx.SliceContext) fx.Yield {
					r.clock.Advance(cost)
					return fx.Continue
				}),
			}))
			r.task.SetTarget(state.Orientation{Azimuth: 45})
			r.runFor(5 * time.Second)
			require.EqualValues(t, 450, r.az.Position())
			if tc.slips {
				require.NotZero(t, r.task.Slips())
				return
			}
			require.Zero(t, r.task.Slips())
			requireSteadyCadence(t, r.az.Pulses(), 5000, 0.05)
		})
	}
}

func homingConfig() motion.Config {
	config := motion.DefaultConfig()
	config.Home.OnBoot = true
	return config
}

func TestMotionHomesOnBoot(t *testing.T) {
	// the saved azimuth is stale: the switch is 5 degrees behind the
	// stepper, not 30.
	pos := &sim.Positions{}
	require.NoError(t, pos.SavePosition(state.Orientation{Azimuth: 30, Elevation: 10}))
	az := &sim.Stepper{LimitMin: -50, LimitMax: 1 << 40}
	r := newRigWith(t, homingConfig(), az, pos)
	require.Equal(t, "Homing", r.store.Motion().Mode)

	r.runFor(10 * time.Millisecond)
	require.Equal(t, "Homing", r.store.Motion().Mode)
	require.True(t, r.relay.On())

	r.runFor(3 * time.Second)
	st := r.store.Motion()
	require.Equal(t, "Idle", st.Mode)
	require.Equal(t, state.Orientation{Azimuth: 30, Elevation: 10}, st.Current)
	// azimuth 0 is the last step before the switch.
	require.EqualValues(t, -50+300, az.Position())
	require.Zero(t, r.el.Position())
	require.False(t, r.relay.On())
	require.NoError(t, az.Fault())
}

func TestMotionHomingGivesUp(t *testing.T) {
	config := homingConfig()
	config.Home.MaxTravel = 10
	r := newRigWith(t, config, nil, nil)
	r.runFor(2 * time.Second)
	st := r.store.Motion()
	require.Equal(t, "Fault", st.Mode)
	require.Contains(t, st.Fault, motion.ErrHomeNotFound.Error())
	require.EqualValues(t, -100, r.az.Position())
	require.False(t, r.relay.On())
}

func TestMotionHomeRequest(t *testing.T) {
	az := &sim.Stepper{LimitMin: -20, LimitMax: 1 << 40}
	r := newRig(t, az, nil)
	r.task.SetTarget(state.Orientation{Azimuth: 10})
	r.runFor(time.Second)
	require.EqualValues(t, 100, az.Position())

	// targets arriving while homing are kept for afterwards.
	r.task.Home()
	r.runFor(10 * time.Millisecond)
	require.Equal(t, "Homing", r.store.Motion().Mode)
	r.task.SetTarget(state.Orientation{Azimuth: 2})
	r.runFor(5 * time.Millisecond)
	require.Equal(t, "Homing", r.store.Motion().Mode)

	r.runFor(3 * time.Second)
	st := r.store.Motion()
	require.Equal(t, "Idle", st.Mode)
	require.Equal(t, 2.0, st.Current.Azimuth)
	require.EqualValues(t, -20+20, az.Position())
}

func TestMotionHomeWaitsForClearFault(t *testing.T) {
	r := newRig(t, &sim.Stepper{StallAfter: 10}, nil)
	r.task.SetTarget(state.Orientation{Azimuth: 10})
	r.runFor(time.Second)
	require.Equal(t, "Fault", r.store.Motion().Mode)

	r.task.Home()
	r.runFor(time.Second)
	require.Equal(t, "Fault", r.store.Motion().Mode)

	r.task.ClearFault()
	r.runFor(10 * time.Millisecond)
	require.Equal(t, "Homing", r.store.Motion().Mode)
}

func TestMotionJog(t *testing.T) {
	r := newRig(t, nil, nil)
	r.task.Jog(motion.Azimuth, 25)
	r.task.Jog(motion.Azimuth, 5)
	r.task.Jog(motion.Elevation, -40)
	r.runFor(time.Second)
	st := r.store.Motion()
	require.Equal(t, "Idle", st.Mode)
	require.Equal(t, state.Orientation{Azimuth: 3}, st.Current)
	require.EqualValues(t, 30, r.az.Position())
	// elevation is clamped at its lower limit.
	require.Zero(t, r.el.Position())

	r.task.Jog(motion.Elevation, 15)
	r.runFor(time.Second)
	require.Equal(t, state.Orientation{Azimuth: 3, Elevation: 1.5}, r.store.Motion().Current)
}

func TestMotionYieldsWithinBudget(t *testing.T) {
	r := newRig(t, nil, nil)
	r.task.SetTarget(state.Orientation{Azimuth: 10})
	r.sched.Poll()
	require.Equal(t, "Stepping", r.store.Motion().Mode)

	// a slice whose budget is already spent still emits one pulse.
	r.clock.Advance(10 * time.Millisecond)
	before := len(r.az.Pulses())
	r.task.Step(&spentSlice{clock: r.clock})
	require.Len(t, r.az.Pulses(), before+1)
}

type spentSlice struct {
	fx.SliceContext
	clock *fx.ManualClock
}

func (c *spentSlice) Now() time.Time     { return c.clock.Now() }
func (c *spentSlice) ShouldYield() bool  { return true }
func (c *spentSlice) WakeAt(t time.Time) {}
