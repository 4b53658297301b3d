package sim

import (
	"errors"
	"math"
	"sync"
	"time"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/sensors"
	"github.com/robotalks/suntower/pkg/state"
)

// ErrBusBusy is the injected transient bus failure.
var ErrBusBusy = errors.New("sensor bus busy")

// Sensors simulates the thermometer, IMU and RTC on one bus.
type Sensors struct {
	Clock fx.TimeSource

	lock     sync.Mutex
	failing  bool
	failNext int
	reads    int
	climate  sensors.Climate
	heading  float64
}

// NewSensors creates simulated sensors reading a mild day.
func NewSensors(clock fx.TimeSource) *Sensors {
	return &Sensors{Clock: clock, climate: sensors.Climate{Temperature: 22.5, Humidity: 40}}
}

// SetFailing makes every read fail until cleared.
func (s *Sensors) SetFailing(failing bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failing = failing
}

// FailNext makes the next n reads fail.
func (s *Sensors) FailNext(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failNext = n
}

// SetClimate sets what the thermometer reads.
func (s *Sensors) SetClimate(c sensors.Climate) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.climate = c
}

// SetHeading sets the azimuth in degrees the IMU reports.
func (s *Sensors) SetHeading(deg float64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.heading = deg
}

// Reads is the number of read attempts.
func (s *Sensors) Reads() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.reads
}

func (s *Sensors) read() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.reads++
	if s.failing {
		return ErrBusBusy
	}
	if s.failNext > 0 {
		s.failNext--
		return ErrBusBusy
	}
	return nil
}

// ReadClimate implements sensors.Thermometer.
func (s *Sensors) ReadClimate() (sensors.Climate, error) {
	if err := s.read(); err != nil {
		return sensors.Climate{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.climate, nil
}

// ReadOrientation implements sensors.IMU. The quaternion is a rotation
// about the vertical axis by the heading.
func (s *Sensors) ReadOrientation() (state.Quaternion, error) {
	if err := s.read(); err != nil {
		return state.Quaternion{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	half := s.heading * math.Pi / 360
	return state.Quaternion{W: math.Cos(half), Z: math.Sin(half)}, nil
}

// ReadTime implements sensors.RTC.
func (s *Sensors) ReadTime() (time.Time, error) {
	if err := s.read(); err != nil {
		return time.Time{}, err
	}
	return s.Clock.Now(), nil
}

// Devices returns the sensors as sensors.Devices.
func (s *Sensors) Devices() sensors.Devices {
	return sensors.Devices{Thermometer: s, IMU: s, RTC: s}
}
