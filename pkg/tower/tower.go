// Package tower wires the motion, sensor, network and update tasks into
// one cooperative runtime.
package tower

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/suntower/pkg/env"
	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/network"
	"github.com/robotalks/suntower/pkg/ota"
	"github.com/robotalks/suntower/pkg/sensors"
	"github.com/robotalks/suntower/pkg/state"
)

// Tower is one boot of the firmware. A reset ends Run; the caller
// creates a new Tower on the same Hardware to boot again.
type Tower struct {
	Config    *env.Config
	Hardware  *Hardware
	Store     *state.Store
	Scheduler *fx.Scheduler
	Motion    *motion.Task
	Sensors   *sensors.Poller
	Network   *network.Session
	Update    *ota.Manager

	lock   sync.Mutex
	reason string
	runner *fx.Runner
}

// New boots the update manager first, so the link announces the
// firmware actually running, then creates and registers the tasks.
func New(config *env.Config, hw *Hardware) (*Tower, error) {
	if hw.Link == nil {
		return nil, errors.New("tower: link factory required")
	}
	t := &Tower{
		Config:    config,
		Hardware:  hw,
		Store:     state.NewStore(),
		Scheduler: fx.NewScheduler(hw.Clock),
	}
	if config.Scheduler.MaxOverruns > 0 {
		t.Scheduler.MaxOverruns = config.Scheduler.MaxOverruns
	}

	fetcher := hw.Fetcher
	if fetcher == nil {
		fetcher = ota.DefaultFetcher()
	}
	var err error
	if t.Update, err = ota.New(config.Update, hw.Storage, fetcher, t, hw.Clock, t.Store.ClaimUpdate()); err != nil {
		return nil, err
	}
	t.Update.BindNotifier(t.Scheduler)
	if err = t.Update.Boot(); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	if t.Motion, err = motion.New(config.Motion, hw.Motion, t.Store.ClaimMotion()); err != nil {
		return nil, err
	}
	t.Motion.BindNotifier(t.Scheduler)

	if t.Sensors, err = sensors.New(config.Sensors, hw.Sensors, t.Store.ClaimSensors(), hw.Clock); err != nil {
		return nil, err
	}

	link, err := hw.Link(t.Update.Running().String())
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	if t.Network, err = network.NewSession(config.Network, link, t.Store.ClaimNetwork(), hw.Clock, t.Motion, t.Update); err != nil {
		return nil, err
	}
	t.Network.BindNotifier(t.Scheduler)

	budget := config.Scheduler.Budget
	specs := []fx.TaskSpec{
		{ID: fx.TaskMotion, Task: t.Motion, Budget: budget},
		{ID: fx.TaskSensors, Task: t.Sensors, Period: t.Sensors.Period(), Budget: budget},
		{ID: fx.TaskNetwork, Task: t.Network, Period: config.Network.PollInterval, Budget: budget},
		{ID: fx.TaskUpdate, Task: t.Update, Budget: budget, AgeAfter: config.Scheduler.UpdateAgeAfter},
	}
	for _, spec := range specs {
		if err := t.Scheduler.Register(spec); err != nil {
			return nil, err
		}
	}
	glog.Infof("tower %s booted firmware %s", config.DeviceID, t.Update.Running())
	return t, nil
}

// Reset implements ota.Resetter. The current slice completes and Run
// returns the reason.
func (t *Tower) Reset(reason string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.reason == "" {
		t.reason = reason
	}
	glog.Warningf("reset requested: %s", reason)
	if t.runner != nil {
		t.runner.Stop()
	}
}

// ResetReason is the reason passed to Reset, empty if none.
func (t *Tower) ResetReason() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.reason
}

// Run runs the scheduler until ctx is done or a reset is requested. It
// returns the reset reason, empty when ctx ended the run.
func (t *Tower) Run(ctx context.Context) (string, error) {
	t.lock.Lock()
	if t.reason != "" {
		t.lock.Unlock()
		return t.reason, nil
	}
	t.runner = fx.NewRunnerWith(ctx)
	t.runner.Go(fx.NamedRun("scheduler", t.Scheduler))
	t.lock.Unlock()

	err := t.runner.Wait()
	t.Network.Close()
	if reason := t.ResetReason(); reason != "" {
		return reason, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return "", err
}

// Loop boots a Tower on hw again after every reset until ctx is done.
func Loop(ctx context.Context, config *env.Config, hw *Hardware) error {
	for boots := 1; ; boots++ {
		t, err := New(config, hw)
		if err != nil {
			return err
		}
		reason, err := t.Run(ctx)
		if reason == "" {
			return err
		}
		glog.Infof("boot %d ended: %s", boots, reason)
	}
}
