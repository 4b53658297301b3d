// Package network keeps the tower connected to the message bus. It
// publishes telemetry and routes inbound commands to the other tasks.
package network

import (
	"context"
	"errors"
	"time"

	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/ota"
	"github.com/robotalks/suntower/pkg/state"
)

// Channel is an outbound destination.
type Channel int

// Channels.
const (
	ChannelTelemetry Channel = iota
	ChannelStatus
	ChannelAck
)

var channelNames = []string{"telemetry", "status", "ack"}

func (c Channel) String() string {
	if c >= 0 && int(c) < len(channelNames) {
		return channelNames[c]
	}
	return "invalid"
}

// ErrNotConnected is returned by Publish without a connection.
var ErrNotConnected = errors.New("not connected")

// Handlers are the inbound callbacks of a Link, invoked from transport
// goroutines.
type Handlers struct {
	OnCommand func(payload []byte)
	OnLost    func(err error)
}

// Link is the transport of a session.
type Link interface {
	// Connect blocks until connected or ctx is done. On success the link
	// delivers commands and connection loss through h until Disconnect.
	Connect(ctx context.Context, h Handlers) error
	// Publish hands payload to the transport without waiting for delivery.
	Publish(ch Channel, payload []byte) error
	// Disconnect closes the connection, announcing the device offline.
	Disconnect()
}

// State is the session state.
type State int

// Session states.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	}
	return "Unknown"
}

// Motion receives motion commands.
type Motion interface {
	SetTarget(state.Orientation)
	ClearFault()
	Home()
	Jog(axis motion.Axis, steps int64)
}

var motionFault = motion.Fault.String()

// Updater receives update commands.
type Updater interface {
	Trigger(ota.Request) ota.TriggerResult
	Cancel() bool
}

// BackoffConfig shapes reconnect delays.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter is the randomization factor applied to each delay.
	Jitter float64 `yaml:"jitter"`
}

// Config tunes the session manager.
type Config struct {
	// PollInterval is how often state transitions are looked for.
	PollInterval    time.Duration `yaml:"poll-interval"`
	TelemetryPeriod time.Duration `yaml:"telemetry-period"`
	ConnectTimeout  time.Duration `yaml:"connect-timeout"`
	RingSize        int           `yaml:"ring-size"`
	InboxSize       int           `yaml:"inbox-size"`
	PublishBurst    int           `yaml:"publish-burst"`
	CommandBurst    int           `yaml:"command-burst"`
	// Encoding is the telemetry encoding: json, cbor or proto.
	Encoding string        `yaml:"encoding"`
	Backoff  BackoffConfig `yaml:"backoff"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    200 * time.Millisecond,
		TelemetryPeriod: 10 * time.Second,
		ConnectTimeout:  10 * time.Second,
		RingSize:        32,
		InboxSize:       16,
		PublishBurst:    4,
		CommandBurst:    4,
		Encoding:        "json",
		Backoff: BackoffConfig{
			Initial:    time.Second,
			Max:        time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}
