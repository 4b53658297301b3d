package tower

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/robotalks/suntower/pkg/env"
	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/network"
	"github.com/robotalks/suntower/pkg/network/mqtt"
	"github.com/robotalks/suntower/pkg/ota"
	"github.com/robotalks/suntower/pkg/sensors"
	"github.com/robotalks/suntower/pkg/sensors/modbus"
	"github.com/robotalks/suntower/pkg/sim"
)

// LinkFactory creates the transport announcing the running firmware.
type LinkFactory func(firmware string) (network.Link, error)

// Hardware is what survives a reset: clock, motors, sensors, flash and
// the transport to the broker.
type Hardware struct {
	Clock   fx.Clock
	Motion  motion.Hardware
	Sensors sensors.Devices
	Storage ota.Storage
	Fetcher ota.Fetcher
	Link    LinkFactory

	closers []io.Closer
}

// SimHardware is simulated hardware with in-memory flash.
type SimHardware struct {
	Hardware
	Azimuth   *sim.Stepper
	Elevation *sim.Stepper
	Relay     *sim.Relay
	Positions *sim.Positions
	Board     *sim.Sensors
	Slots     [2]*ota.MemoryPartition
	Staging   *ota.MemoryPartition
	Sectors   *ota.MemorySectors
}

// NewSimHardware creates simulated hardware. The link factory is left
// to the caller.
func NewSimHardware(config *env.Config, clock fx.Clock) *SimHardware {
	h := &SimHardware{
		Azimuth:   &sim.Stepper{},
		Elevation: &sim.Stepper{},
		Relay:     &sim.Relay{},
		Positions: &sim.Positions{},
		Board:     sim.NewSensors(clock),
		Staging:   ota.NewMemoryPartition(config.Storage.SlotSize),
		Sectors:   ota.NewMemorySectors(config.Storage.SectorSize),
	}
	h.Slots[ota.SlotA] = ota.NewMemoryPartition(config.Storage.SlotSize)
	h.Slots[ota.SlotB] = ota.NewMemoryPartition(config.Storage.SlotSize)
	if config.Motion.Home.OnBoot {
		// the end stop trips one step behind where the motor powers up.
		h.Azimuth.LimitMin, h.Azimuth.LimitMax = -1, math.MaxInt64
	}

	h.Clock = clock
	h.Motion.Steppers[motion.Azimuth] = h.Azimuth
	h.Motion.Steppers[motion.Elevation] = h.Elevation
	h.Motion.Ticks = sim.NewTicks(clock, config.TickRate)
	h.Motion.Relay = h.Relay
	h.Motion.Positions = h.Positions
	h.Hardware.Sensors = h.Board.Devices()
	h.Storage.Slots[ota.SlotA], h.Storage.Slots[ota.SlotB] = h.Slots[ota.SlotA], h.Slots[ota.SlotB]
	h.Storage.Staging = h.Staging
	h.Storage.Sectors = h.Sectors
	h.Fetcher = ota.DefaultFetcher()
	return h
}

// OpenHardware opens the hardware selected by config. Motors are always
// simulated on a host. The climate transmitter is read over Modbus when
// configured, and flash lives in DataDir when set.
func OpenHardware(config *env.Config, clock fx.Clock) (*Hardware, error) {
	s := NewSimHardware(config, clock)
	h := &s.Hardware
	if config.Hardware == env.HardwareModbus {
		thermo, err := modbus.Dial(config.Modbus)
		if err != nil {
			return nil, fmt.Errorf("modbus %s: %w", config.Modbus.Endpoint, err)
		}
		h.Sensors.Thermometer = thermo
		h.closers = append(h.closers, thermo)
		glog.Infof("climate transmitter on %s", config.Modbus.Endpoint)
	}
	if dir := config.Storage.DataDir; dir != "" {
		if err := h.openFiles(dir, config.Storage); err != nil {
			h.Close()
			return nil, err
		}
	}
	h.Link = func(firmware string) (network.Link, error) {
		return mqtt.NewLink(config.MQTTBrokerURL, config.DeviceID, mqtt.Meta{
			Firmware:    firmware,
			Description: config.Description,
		})
	}
	return h, nil
}

func (h *Hardware) openFiles(dir string, config env.StorageConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	open := func(name string) (ota.Partition, error) {
		p, err := ota.OpenFilePartition(filepath.Join(dir, name), config.SlotSize)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, p)
		return p, nil
	}
	var err error
	if h.Storage.Slots[ota.SlotA], err = open("slot-a.img"); err != nil {
		return err
	}
	if h.Storage.Slots[ota.SlotB], err = open("slot-b.img"); err != nil {
		return err
	}
	if h.Storage.Staging, err = open("staging.img"); err != nil {
		return err
	}
	h.Storage.Sectors = &ota.FileSectors{Dir: dir, Size: config.SectorSize}
	h.Motion.Positions = &motion.FilePositions{Path: filepath.Join(dir, "position.yaml")}
	glog.Infof("flash images in %s", dir)
	return nil
}

// Close releases opened devices.
func (h *Hardware) Close() error {
	var errs fx.AggregatedError
	for _, c := range h.closers {
		errs.AddFrom(fmt.Sprintf("close %T", c), c.Close())
	}
	h.closers = nil
	return errs.Aggregate()
}
