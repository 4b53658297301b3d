package modbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegisters struct {
	data []byte
	err  error
	addr uint16
	qty  uint16
}

func (f *fakeRegisters) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	f.addr, f.qty = address, quantity
	return f.data, f.err
}

func TestReadClimate(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		temp float64
		hum  float64
	}{
		{name: "positive", data: []byte{0x00, 0xfa, 0x01, 0xc2}, temp: 25, hum: 45},
		{name: "below zero", data: []byte{0xff, 0x9c, 0x03, 0x20}, temp: -10, hum: 80},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			regs := &fakeRegisters{data: tc.data}
			c, err := NewThermometer(regs, 0x10).ReadClimate()
			require.NoError(t, err)
			require.InDelta(t, tc.temp, c.Temperature, 1e-9)
			require.InDelta(t, tc.hum, c.Humidity, 1e-9)
			require.EqualValues(t, 0x10, regs.addr)
			require.EqualValues(t, 2, regs.qty)
		})
	}
}

func TestReadClimateErrors(t *testing.T) {
	_, err := NewThermometer(&fakeRegisters{data: []byte{1, 2}}, 0).ReadClimate()
	require.Error(t, err)
	busy := errors.New("busy")
	_, err = NewThermometer(&fakeRegisters{err: busy}, 0).ReadClimate()
	require.Equal(t, busy, err)
}

func TestDialRejectsScheme(t *testing.T) {
	_, err := Dial(Config{Endpoint: "udp://localhost:502"})
	require.Error(t, err)
}
