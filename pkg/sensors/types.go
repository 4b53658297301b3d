package sensors

import (
	"time"

	"github.com/robotalks/suntower/pkg/state"
)

// Climate is one temperature/humidity reading.
type Climate struct {
	// Temperature in degrees Celsius.
	Temperature float64
	// Humidity in %RH.
	Humidity float64
}

// Thermometer reads temperature and humidity.
type Thermometer interface {
	ReadClimate() (Climate, error)
}

// IMU reads the tower orientation.
type IMU interface {
	ReadOrientation() (state.Quaternion, error)
}

// RTC reads the wall clock.
type RTC interface {
	ReadTime() (time.Time, error)
}

// Devices are the sensors sharing the sensor bus. The polling task is
// the only user of the bus.
type Devices struct {
	Thermometer Thermometer
	IMU         IMU
	RTC         RTC
}
