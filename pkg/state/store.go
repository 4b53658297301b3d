// Package state holds the process-wide shared state.
//
// Every group of fields has exactly one writing task. Writers publish a
// complete value with one atomic pointer swap, so a reader always sees
// a fully written group.
package state

import (
	"fmt"
	"sync/atomic"
)

// Owner identifies a writing task.
type Owner int

// Owners.
const (
	OwnerMotion Owner = iota
	OwnerSensors
	OwnerNetwork
	OwnerUpdate
	numOwners
)

var ownerNames = [numOwners]string{"motion", "sensors", "network", "update"}

func (o Owner) String() string {
	if o >= 0 && o < numOwners {
		return ownerNames[o]
	}
	return fmt.Sprintf("owner(%d)", int(o))
}

// Store is the shared state store.
type Store struct {
	motion  atomic.Pointer[MotionStatus]
	sensors atomic.Pointer[SensorSnapshot]
	network atomic.Pointer[NetworkStatus]
	update  atomic.Pointer[UpdateStatus]

	claimed [numOwners]atomic.Bool
}

// NewStore creates a Store with zero values in every group.
func NewStore() *Store {
	s := &Store{}
	s.motion.Store(&MotionStatus{Mode: "Idle"})
	s.sensors.Store(&SensorSnapshot{Orientation: Identity})
	s.network.Store(&NetworkStatus{})
	s.update.Store(&UpdateStatus{State: "Idle"})
	return s
}

// Snapshot returns a copy of all groups.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Motion:  *s.motion.Load(),
		Sensors: *s.sensors.Load(),
		Network: *s.network.Load(),
		Update:  *s.update.Load(),
	}
}

// Motion returns the motion group.
func (s *Store) Motion() MotionStatus { return *s.motion.Load() }

// Sensors returns the sensor group.
func (s *Store) Sensors() SensorSnapshot { return *s.sensors.Load() }

// Network returns the network group.
func (s *Store) Network() NetworkStatus { return *s.network.Load() }

// Update returns the update group.
func (s *Store) Update() UpdateStatus { return *s.update.Load() }

func (s *Store) claim(o Owner) {
	if !s.claimed[o].CompareAndSwap(false, true) {
		panic(fmt.Sprintf("state: %s writer already claimed", o))
	}
}

// MotionWriter publishes the motion group.
type MotionWriter struct{ s *Store }

// SensorWriter publishes the sensor group.
type SensorWriter struct{ s *Store }

// NetworkWriter publishes the network group.
type NetworkWriter struct{ s *Store }

// UpdateWriter publishes the update group.
type UpdateWriter struct{ s *Store }

// ClaimMotion hands out the only motion writer. It panics when claimed twice.
func (s *Store) ClaimMotion() *MotionWriter {
	s.claim(OwnerMotion)
	return &MotionWriter{s: s}
}

// ClaimSensors hands out the only sensor writer.
func (s *Store) ClaimSensors() *SensorWriter {
	s.claim(OwnerSensors)
	return &SensorWriter{s: s}
}

// ClaimNetwork hands out the only network writer.
func (s *Store) ClaimNetwork() *NetworkWriter {
	s.claim(OwnerNetwork)
	return &NetworkWriter{s: s}
}

// ClaimUpdate hands out the only update writer.
func (s *Store) ClaimUpdate() *UpdateWriter {
	s.claim(OwnerUpdate)
	return &UpdateWriter{s: s}
}

// Publish replaces the motion group.
func (w *MotionWriter) Publish(v MotionStatus) { w.s.motion.Store(&v) }

// Publish replaces the sensor group.
func (w *SensorWriter) Publish(v SensorSnapshot) { w.s.sensors.Store(&v) }

// Publish replaces the network group.
func (w *NetworkWriter) Publish(v NetworkStatus) { w.s.network.Store(&v) }

// Publish replaces the update group.
func (w *UpdateWriter) Publish(v UpdateStatus) { w.s.update.Store(&v) }

// Store gives read access to the store a writer belongs to.
func (w *MotionWriter) Store() *Store { return w.s }

// Store gives read access to the store a writer belongs to.
func (w *SensorWriter) Store() *Store { return w.s }

// Store gives read access to the store a writer belongs to.
func (w *NetworkWriter) Store() *Store { return w.s }

// Store gives read access to the store a writer belongs to.
func (w *UpdateWriter) Store() *Store { return w.s }
