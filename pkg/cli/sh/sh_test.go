package sh

import (
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/network/mqtt"
)

func TestDirectory(t *testing.T) {
	var d Directory
	require.Empty(t, d.Towers())
	d.Update("t2/meta", mqtt.Meta{Online: true, Firmware: "1.2.0"})
	d.Update("t1/meta", mqtt.Meta{Online: false})
	d.Update("t3/meta", mqtt.Meta{Online: true})
	require.Equal(t, []string{"t2", "t3", "t1"}, d.Towers())

	meta, ok := d.Meta("t2")
	require.True(t, ok)
	require.Equal(t, "t2 online firmware=1.2.0", FormatTower("t2", meta))
	require.Equal(t, "t1 offline: north row", FormatTower("t1", mqtt.Meta{Description: "north row"}))
	_, ok = d.Meta("t4")
	require.False(t, ok)
}

func TestConnRoutesAcks(t *testing.T) {
	q := mqtt.NewQueue(paho.NewClientOptions(), "towers/")
	c := NewConn(q, "t1")
	ch := make(chan *msgs.Ack, 1)
	c.pending["42"] = ch

	c.onAck("t1/ack", []byte(`{"id":"7","result":"ok"}`))
	c.onAck("t1/ack", []byte(`not json`))
	require.Empty(t, ch)

	c.onAck("t1/ack", []byte(`{"id":"42","command":"cancel_update","result":"noop"}`))
	select {
	case ack := <-ch:
		require.Equal(t, &msgs.Ack{ID: "42", Command: msgs.KindCancelUpdate, Result: msgs.AckNoOp}, ack)
	case <-time.After(time.Second):
		t.Fatal("ack not routed")
	}
	require.Empty(t, c.pending)
	c.Close()
}

func TestFormatAck(t *testing.T) {
	require.Equal(t, "OK", FormatAck(&msgs.Ack{Result: msgs.AckOK}))
	require.Equal(t, "busy", FormatAck(&msgs.Ack{Result: msgs.AckBusy}))
	require.Equal(t, "rejected: invalid version", FormatAck(&msgs.Ack{Result: msgs.AckRejected, Message: "invalid version"}))
}

func TestFormatTelemetry(t *testing.T) {
	tm := &msgs.Telemetry{
		Timestamp:       time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC),
		Azimuth:         180,
		Elevation:       60,
		TargetAzimuth:   180,
		TargetElevation: 60,
		Temperature:     31.25,
		Humidity:        40,
		FirmwareVersion: "1.2.0",
		UpdateState:     "Idle",
		MotionState:     "Idle",
		SensorsHealthy:  true,
	}
	require.Equal(t, "2026-06-21T12:00:00Z az=180.00 el=60.00 motion=Idle temp=31.2C rh=40.0% fw=1.2.0 update=Idle", FormatTelemetry(tm))

	tm.TargetAzimuth, tm.MotionState, tm.MotionFault = 200, "Fault", "stall"
	tm.UpdateState, tm.UpdateTarget, tm.UpdateProgress = "Downloading", "1.3.0", 0.25
	tm.SensorsHealthy, tm.Dropped = false, 3
	require.Equal(t, "2026-06-21T12:00:00Z az=180.00 el=60.00 -> az=200.00 el=60.00 motion=Fault(stall) temp=31.2C rh=40.0% sensors=unhealthy fw=1.2.0 update=Downloading(1.3.0 25%) dropped=3", FormatTelemetry(tm))
}
