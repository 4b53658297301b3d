package state

import (
	"math"
	"time"
)

// Orientation is a tower heading in degrees.
type Orientation struct {
	Azimuth   float64 `json:"azimuth" yaml:"azimuth"`
	Elevation float64 `json:"elevation" yaml:"elevation"`
}

// Near tells if o is within tol degrees of p on both axes.
func (o Orientation) Near(p Orientation, tol float64) bool {
	return math.Abs(o.Azimuth-p.Azimuth) <= tol && math.Abs(o.Elevation-p.Elevation) <= tol
}

// Quaternion is an orientation reported by the IMU.
type Quaternion struct {
	W, X, Y, Z float64
}

// Identity is the neutral rotation.
var Identity = Quaternion{W: 1}

// MotionStatus is owned by the motion task.
type MotionStatus struct {
	Target  Orientation
	Current Orientation
	Mode    string
	Fault   string
}

// SensorSnapshot is owned by the sensor polling task.
type SensorSnapshot struct {
	Temperature float64
	Humidity    float64
	Orientation Quaternion
	// Timestamp is the wall clock read from the RTC.
	Timestamp time.Time
	Healthy   bool
	Seq       uint64
}

// NetworkStatus is owned by the network session manager.
type NetworkStatus struct {
	Connected bool
	Healthy   bool
	Dropped   uint64
}

// UpdateStatus is owned by the update manager.
type UpdateStatus struct {
	State          string
	RunningVersion string
	TargetVersion  string
	Progress       float64
	FailureKind    string
	Reason         string
	SessionID      string
}

// Snapshot is a full copy of the shared state.
type Snapshot struct {
	Motion  MotionStatus
	Sensors SensorSnapshot
	Network NetworkStatus
	Update  UpdateStatus
}
