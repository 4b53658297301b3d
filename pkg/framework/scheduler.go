package framework

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Scheduler defaults.
const (
	DefaultBudget        = 2 * time.Millisecond
	DefaultMaxOverruns   = 3
	DefaultWakeQueueSize = 64
)

var (
	// ErrStarted indicates Register is called after Run.
	ErrStarted = errors.New("scheduler already started")
	// ErrInvalidTask indicates an unknown id or nil task.
	ErrInvalidTask = errors.New("invalid task")
)

// Scheduler is a single-threaded cooperative dispatcher. Only one task
// runs at a time and each runs one bounded slice per dispatch, so tasks
// never need locks to share state among themselves. The only entry
// usable from other goroutines is Notify.
type Scheduler struct {
	Clock       Clock
	MaxOverruns int

	tasks    [NumTasks]*taskEntry
	wakes    *WakeQueue
	doorbell chan struct{}
	epoch    time.Time
	started  atomic.Bool
	ctx      context.Context
}

type taskEntry struct {
	spec       TaskSpec
	state      TaskState
	nextWake   time.Time
	releaseAt  time.Time
	readySince time.Time
	streak     int
	yielded    bool
	stats      TaskStats
}

type slice struct {
	s        *Scheduler
	e        *taskEntry
	deadline time.Time
	wakeAt   time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		Clock:       clock,
		MaxOverruns: DefaultMaxOverruns,
		wakes:       NewWakeQueue(DefaultWakeQueueSize),
		doorbell:    make(chan struct{}, 1),
		epoch:       clock.Now(),
		ctx:         context.Background(),
	}
}

// Register adds a task. It must be called before Run.
func (s *Scheduler) Register(spec TaskSpec) error {
	if s.started.Load() {
		return ErrStarted
	}
	if !spec.ID.Valid() || spec.Task == nil {
		return ErrInvalidTask
	}
	if s.tasks[spec.ID] != nil {
		return fmt.Errorf("task %s already registered", spec.ID)
	}
	if spec.Budget <= 0 {
		spec.Budget = DefaultBudget
	}
	now := s.Clock.Now()
	e := &taskEntry{spec: spec, state: TaskReady, readySince: now}
	if spec.Period > 0 {
		e.releaseAt = now.Add(spec.Period)
	}
	e.stats.ID = spec.ID
	s.tasks[spec.ID] = e
	glog.V(2).Infof("task %s registered period=%v budget=%v", spec.ID, spec.Period, spec.Budget)
	return nil
}

// Notify implements Notifier. It is safe from any goroutine, never
// blocks and performs no task state mutation itself.
func (s *Scheduler) Notify(id TaskID) {
	if !id.Valid() {
		return
	}
	if s.wakes.Push(WakeNotification{Source: id, At: s.Clock.Now().Sub(s.epoch)}) {
		glog.V(3).Infof("wake queue full, oldest notification dropped")
	}
	select {
	case s.doorbell <- struct{}{}:
	default:
	}
}

// Doorbell fires after a Notify. It is for drivers calling Poll
// themselves instead of Run.
func (s *Scheduler) Doorbell() <-chan struct{} {
	return s.doorbell
}

// WakeDropped is the number of notifications evicted from a full queue.
func (s *Scheduler) WakeDropped() uint64 {
	return s.wakes.Dropped()
}

// State returns the scheduling state of a task.
func (s *Scheduler) State(id TaskID) TaskState {
	if e := s.entry(id); e != nil {
		return e.state
	}
	return TaskFaulted
}

// Stats returns the counters of a task.
func (s *Scheduler) Stats(id TaskID) TaskStats {
	if e := s.entry(id); e != nil {
		st := e.stats
		st.State, st.NextWake = e.state, e.nextWake
		return st
	}
	return TaskStats{ID: id, State: TaskFaulted}
}

// Run implements Runnable. It never returns unless ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.started.Store(true)
	s.ctx = ctx
	glog.Info("scheduler started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ran, next := s.Poll()
		if ran {
			continue
		}
		var timer <-chan time.Time
		if !next.IsZero() {
			timer = s.Clock.After(next.Sub(s.Clock.Now()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.doorbell:
		case <-timer:
		}
	}
}

// Poll runs at most one slice. When nothing is ready it returns the
// earliest time a task becomes eligible, zero if only notifications can
// wake any task.
func (s *Scheduler) Poll() (ran bool, next time.Time) {
	s.started.Store(true)
	now := s.Clock.Now()
	s.drainWakes(now)
	s.release(now)
	if e := s.pick(now); e != nil {
		s.runSlice(e, now)
		return true, time.Time{}
	}
	return false, s.nextDeadline()
}

func (s *Scheduler) entry(id TaskID) *taskEntry {
	if !id.Valid() {
		return nil
	}
	return s.tasks[id]
}

func (s *Scheduler) drainWakes(now time.Time) {
	for {
		n, ok := s.wakes.Pop()
		if !ok {
			return
		}
		e := s.entry(n.Source)
		if e == nil {
			continue
		}
		if s.makeReady(e, now) {
			e.stats.WakeLatency = now.Sub(s.epoch.Add(n.At))
		}
	}
}

func (s *Scheduler) makeReady(e *taskEntry, now time.Time) bool {
	if e.state != TaskWaiting && e.state != TaskBlocked {
		return false
	}
	e.state, e.readySince, e.nextWake = TaskReady, now, time.Time{}
	return true
}

func (s *Scheduler) release(now time.Time) {
	for _, e := range s.tasks {
		if e == nil || e.nextWake.IsZero() || e.nextWake.After(now) {
			continue
		}
		s.makeReady(e, now)
	}
}

// pick chooses the Ready task with the best effective rank. Ranks are
// doubled so an aged task slots in just above the next-higher task. The
// boost is floored below Sensors, so Motion and Sensors are never passed.
// A force-yielded task sits out exactly one decision unless nothing
// else is ready.
func (s *Scheduler) pick(now time.Time) *taskEntry {
	var best *taskEntry
	bestKey := 0
	for pass := 0; pass < 2 && best == nil; pass++ {
		for id, e := range s.tasks {
			if e == nil || e.state != TaskReady || (pass == 0 && e.yielded) {
				continue
			}
			key := id * 2
			if e.aged(now) {
				key = agedKey(key)
			}
			if best == nil || key < bestKey {
				best, bestKey = e, key
			}
		}
	}
	if best != nil {
		for _, e := range s.tasks {
			if e != nil {
				e.yielded = false
			}
		}
	}
	return best
}

// agedFloor is the best key an aged task can reach: just below Sensors.
const agedFloor = int(TaskSensors)*2 + 1

func agedKey(key int) int {
	if key -= 3; key < agedFloor {
		return agedFloor
	}
	return key
}

func (e *taskEntry) aged(now time.Time) bool {
	return e.spec.AgeAfter > 0 && e.spec.ID > TaskSensors && now.Sub(e.readySince) >= e.spec.AgeAfter
}

func (s *Scheduler) runSlice(e *taskEntry, now time.Time) {
	if e.aged(now) {
		e.stats.Boosts++
		glog.V(2).Infof("task %s aged %v, boosted for one slice", e.spec.ID, now.Sub(e.readySince))
	}
	e.yielded = false
	e.state = TaskRunning
	sc := &slice{s: s, e: e, deadline: now.Add(e.spec.Budget)}
	y := e.spec.Task.Step(sc)
	end := s.Clock.Now()
	e.stats.Slices++
	e.readySince = end

	if elapsed := end.Sub(now); elapsed > e.spec.Budget {
		e.stats.Overruns++
		e.streak++
		glog.Warningf("task %s overran its slice: %v > %v (%d in a row)", e.spec.ID, elapsed, e.spec.Budget, e.streak)
		if max := s.MaxOverruns; max > 0 && e.streak >= max {
			e.state = TaskFaulted
			glog.Errorf("task %s faulted after %d consecutive overruns", e.spec.ID, e.streak)
			return
		}
		e.yielded = true
	} else {
		e.streak = 0
	}

	switch y {
	case Continue:
		e.state = TaskReady
		e.nextWake = time.Time{}
	case Sleep:
		e.state = TaskWaiting
		e.nextWake = earliest(sc.wakeAt, e.nextRelease(end))
	default:
		e.state = TaskBlocked
		e.nextWake = sc.wakeAt
	}
	if e.state != TaskReady && !e.nextWake.IsZero() && !e.nextWake.After(end) {
		e.state = TaskReady
		e.nextWake = time.Time{}
	}
}

// nextRelease advances the periodic release past now without drifting
// from the original phase.
func (e *taskEntry) nextRelease(now time.Time) time.Time {
	period := e.spec.Period
	if period <= 0 {
		return time.Time{}
	}
	if !e.releaseAt.After(now) {
		missed := now.Sub(e.releaseAt)/period + 1
		e.releaseAt = e.releaseAt.Add(missed * period)
	}
	return e.releaseAt
}

func (s *Scheduler) nextDeadline() (next time.Time) {
	for _, e := range s.tasks {
		if e == nil || e.state == TaskFaulted {
			continue
		}
		next = earliest(next, e.nextWake)
	}
	return
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}

func (c *slice) Now() time.Time           { return c.s.Clock.Now() }
func (c *slice) Context() context.Context { return c.s.ctx }
func (c *slice) Task() TaskID             { return c.e.spec.ID }
func (c *slice) Deadline() time.Time      { return c.deadline }
func (c *slice) Notifier() Notifier       { return c.s }

func (c *slice) ShouldYield() bool {
	return !c.s.Clock.Now().Before(c.deadline)
}

func (c *slice) WakeAt(t time.Time) {
	c.wakeAt = earliest(c.wakeAt, t)
}

func (c *slice) Wake(id TaskID) {
	if e := c.s.entry(id); e != nil && e != c.e {
		c.s.makeReady(e, c.s.Clock.Now())
	}
}
