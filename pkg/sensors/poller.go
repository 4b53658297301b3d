// Package sensors polls the tower sensors into the shared state.
package sensors

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/state"
)

// Config tunes the polling task.
type Config struct {
	Period time.Duration `yaml:"period"`
	// UnhealthyAfter is the number of consecutive failed sequences
	// flipping the snapshot to unhealthy.
	UnhealthyAfter int           `yaml:"unhealthy-after"`
	RetryInterval  time.Duration `yaml:"retry-interval"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Period:         time.Second,
		UnhealthyAfter: 3,
		RetryInterval:  100 * time.Millisecond,
	}
}

type stage int

const (
	readClimate stage = iota
	readOrientation
	readClock
)

// Poller is the sensor polling task. It performs one device read per
// slice and publishes a snapshot only when the whole sequence succeeds.
type Poller struct {
	config Config
	devs   Devices
	out    *state.SensorWriter

	stage    stage
	staged   state.SensorSnapshot
	last     state.SensorSnapshot
	failures int
	retry    *backoff.ExponentialBackOff
}

// New creates a Poller.
func New(config Config, devs Devices, out *state.SensorWriter, clock fx.TimeSource) (*Poller, error) {
	if devs.Thermometer == nil || devs.IMU == nil || devs.RTC == nil {
		return nil, errors.New("sensors: thermometer, imu and rtc required")
	}
	if config.Period <= 0 {
		config.Period = DefaultConfig().Period
	}
	if config.RetryInterval <= 0 || config.RetryInterval > config.Period {
		config.RetryInterval = config.Period
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = config.RetryInterval
	retry.MaxInterval = config.Period
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0
	if clock != nil {
		retry.Clock = clock
	}
	retry.Reset()
	return &Poller{
		config: config,
		devs:   devs,
		out:    out,
		retry:  retry,
		last:   state.SensorSnapshot{Orientation: state.Identity},
	}, nil
}

// Period is the sampling period.
func (p *Poller) Period() time.Duration {
	return p.config.Period
}

// Step implements fx.Task.
func (p *Poller) Step(sc fx.SliceContext) fx.Yield {
	var err error
	switch p.stage {
	case readClimate:
		var c Climate
		if c, err = p.devs.Thermometer.ReadClimate(); err == nil {
			p.staged.Temperature, p.staged.Humidity = c.Temperature, c.Humidity
		}
	case readOrientation:
		p.staged.Orientation, err = p.devs.IMU.ReadOrientation()
	case readClock:
		p.staged.Timestamp, err = p.devs.RTC.ReadTime()
	}
	if err != nil {
		return p.fail(sc, err)
	}
	if p.stage < readClock {
		p.stage++
		return fx.Continue
	}
	p.commit()
	return fx.Sleep
}

func (p *Poller) commit() {
	snap := p.staged
	snap.Healthy = true
	snap.Seq = p.last.Seq + 1
	if !p.last.Healthy && p.failures > 0 {
		glog.Infof("sensors: recovered after %d failed sequences", p.failures)
	}
	p.last, p.staged, p.stage, p.failures = snap, state.SensorSnapshot{}, readClimate, 0
	p.retry.Reset()
	if p.out != nil {
		p.out.Publish(snap)
	}
	glog.V(3).Infof("sensors: seq=%d t=%.1f h=%.1f", snap.Seq, snap.Temperature, snap.Humidity)
}

func (p *Poller) fail(sc fx.SliceContext, err error) fx.Yield {
	p.failures++
	glog.Warningf("sensors: read sequence aborted at stage %d (%d in a row): %v", p.stage, p.failures, err)
	p.stage, p.staged = readClimate, state.SensorSnapshot{}
	if p.failures >= p.config.UnhealthyAfter && p.last.Healthy {
		p.last.Healthy = false
		glog.Errorf("sensors: unhealthy after %d failed sequences", p.failures)
		if p.out != nil {
			p.out.Publish(p.last)
		}
	}
	sc.WakeAt(sc.Now().Add(p.retry.NextBackOff()))
	return fx.Sleep
}
