// Package modbus reads temperature/humidity transmitters over Modbus.
package modbus

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/goburrow/modbus"

	"github.com/robotalks/suntower/pkg/sensors"
)

// Config describes the transmitter.
type Config struct {
	// Endpoint is tcp://host:port or rtu:///dev/ttyUSB0.
	Endpoint string        `yaml:"endpoint"`
	UnitID   uint8         `yaml:"unit-id"`
	BaudRate int           `yaml:"baud-rate"`
	Timeout  time.Duration `yaml:"timeout"`
	// Address is the first of two input registers: temperature then
	// humidity, both signed tenths.
	Address uint16 `yaml:"address"`
}

// RegisterReader is the subset of modbus.Client used here.
type RegisterReader interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// Thermometer implements sensors.Thermometer.
type Thermometer struct {
	reader  RegisterReader
	address uint16
	closer  io.Closer
}

var _ sensors.Thermometer = (*Thermometer)(nil)

// NewThermometer wraps an existing register reader.
func NewThermometer(reader RegisterReader, address uint16) *Thermometer {
	return &Thermometer{reader: reader, address: address}
}

// Dial connects to the transmitter described by config.
func Dial(config Config) (*Thermometer, error) {
	u, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("modbus endpoint: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 200 * time.Millisecond
	}
	var (
		handler modbus.ClientHandler
		conn    interface {
			Connect() error
			Close() error
		}
	)
	switch u.Scheme {
	case "tcp":
		h := modbus.NewTCPClientHandler(u.Host)
		h.Timeout, h.SlaveId = config.Timeout, config.UnitID
		handler, conn = h, h
	case "rtu":
		h := modbus.NewRTUClientHandler(u.Path)
		h.Timeout, h.SlaveId = config.Timeout, config.UnitID
		h.BaudRate, h.DataBits, h.Parity, h.StopBits = 9600, 8, "N", 1
		if config.BaudRate > 0 {
			h.BaudRate = config.BaudRate
		}
		handler, conn = h, h
	default:
		return nil, fmt.Errorf("unsupported modbus scheme %q", u.Scheme)
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	t := NewThermometer(modbus.NewClient(handler), config.Address)
	t.closer = conn
	return t, nil
}

// ReadClimate implements sensors.Thermometer.
func (t *Thermometer) ReadClimate() (sensors.Climate, error) {
	data, err := t.reader.ReadInputRegisters(t.address, 2)
	if err != nil {
		return sensors.Climate{}, err
	}
	if len(data) < 4 {
		return sensors.Climate{}, errors.New("short modbus response")
	}
	temp := int16(uint16(data[0])<<8 | uint16(data[1]))
	hum := int16(uint16(data[2])<<8 | uint16(data[3]))
	return sensors.Climate{
		Temperature: float64(temp) / 10,
		Humidity:    float64(hum) / 10,
	}, nil
}

// Close releases the connection.
func (t *Thermometer) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
