package framework

import (
	"context"
	"time"
)

// Named is an abstraction for things with a name.
type Named interface {
	Name() string
}

// Runnable defines a generic interface for background runners.
type Runnable interface {
	Run(context.Context) error
}

// TaskID identifies one of the fixed task variants. The numeric order is
// also the fixed priority order: lower value runs first.
type TaskID uint8

// The task set is fixed.
const (
	TaskMotion TaskID = iota
	TaskSensors
	TaskNetwork
	TaskUpdate

	// NumTasks is the number of task variants.
	NumTasks int = iota
)

var taskNames = [NumTasks]string{"motion", "sensors", "network", "update"}

// String implements fmt.Stringer.
func (id TaskID) String() string {
	if int(id) < NumTasks {
		return taskNames[id]
	}
	return "invalid"
}

// Valid tells if id is one of the known tasks.
func (id TaskID) Valid() bool {
	return int(id) < NumTasks
}

// TaskState is the scheduling state of a task.
type TaskState int

// Task states.
const (
	TaskReady TaskState = iota
	TaskRunning
	TaskWaiting
	TaskBlocked
	TaskFaulted
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskWaiting:
		return "Waiting"
	case TaskBlocked:
		return "Blocked"
	case TaskFaulted:
		return "Faulted"
	}
	return "Unknown"
}

// Yield tells the scheduler what a task wants after its slice.
type Yield int

// Yield values.
const (
	// Continue keeps the task Ready, it has more work.
	Continue Yield = iota
	// Sleep parks the task until its next period, an explicit WakeAt,
	// or a notification, whichever comes first.
	Sleep
	// Block parks the task until a notification or an explicit WakeAt.
	Block
)

// Task is the uniform step contract of every scheduled unit.
// Step must return after a bounded unit of work.
type Task interface {
	Step(SliceContext) Yield
}

// StepFunc is the func form of Task.
type StepFunc func(SliceContext) Yield

// Step implements Task.
func (f StepFunc) Step(sc SliceContext) Yield {
	return f(sc)
}

// TimeSource provides the time for controlling logic.
type TimeSource interface {
	Now() time.Time
}

// SliceContext is handed to a task for the duration of one slice.
type SliceContext interface {
	TimeSource
	// Context retrieves the run context.
	Context() context.Context
	// Task is the id of the running task.
	Task() TaskID
	// Deadline is when the slice budget expires.
	Deadline() time.Time
	// ShouldYield reports whether the slice budget is used up. Tasks
	// looping over several units check it between units.
	ShouldYield() bool
	// WakeAt requests the task to become Ready no later than t.
	WakeAt(t time.Time)
	// Wake marks another task Ready. It is the in-scheduler form of
	// Notify and only valid during a slice.
	Wake(TaskID)
	// Notifier gives access to the async-safe notification entry.
	Notifier() Notifier
}

// Notifier is implemented by the scheduler for async contexts.
type Notifier interface {
	Notify(TaskID)
}

// NotifyFunc is the func form of Notifier.
type NotifyFunc func(TaskID)

// Notify implements Notifier.
func (f NotifyFunc) Notify(id TaskID) {
	f(id)
}

// TaskSpec describes a task to register.
type TaskSpec struct {
	ID   TaskID
	Task Task
	// Period releases the task periodically, 0 means event driven.
	Period time.Duration
	// Budget is the slice budget, 0 means DefaultBudget.
	Budget time.Duration
	// AgeAfter boosts a Ready task waiting longer than this for one
	// slice. 0 disables aging.
	AgeAfter time.Duration
}

// TaskStats are observable scheduling counters of a task.
type TaskStats struct {
	ID          TaskID
	State       TaskState
	Slices      uint64
	Overruns    uint64
	Boosts      uint64
	WakeLatency time.Duration
	NextWake    time.Time
}
