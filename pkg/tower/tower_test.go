package tower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/suntower/pkg/env"
	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/network"
	"github.com/robotalks/suntower/pkg/ota"
	"github.com/robotalks/suntower/pkg/state"
)

var epoch = time.Date(2026, 6, 21, 5, 30, 0, 0, time.UTC)

// loopLink connects right away and records what is published.
type loopLink struct {
	lock      sync.Mutex
	handlers  network.Handlers
	connected bool
	published map[network.Channel][][]byte
}

func (l *loopLink) Connect(ctx context.Context, h network.Handlers) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.handlers, l.connected = h, true
	return nil
}

func (l *loopLink) Publish(ch network.Channel, payload []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.connected {
		return network.ErrNotConnected
	}
	if l.published == nil {
		l.published = make(map[network.Channel][][]byte)
	}
	l.published[ch] = append(l.published[ch], payload)
	return nil
}

func (l *loopLink) Disconnect() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.connected = false
}

func (l *loopLink) deliver(payload string) {
	l.lock.Lock()
	h := l.handlers.OnCommand
	l.lock.Unlock()
	h([]byte(payload))
}

func (l *loopLink) take(ch network.Channel) [][]byte {
	l.lock.Lock()
	defer l.lock.Unlock()
	msgs := l.published[ch]
	delete(l.published, ch)
	return msgs
}

type rig struct {
	t        *testing.T
	config   env.Config
	clock    *fx.ManualClock
	hw       *SimHardware
	link     *loopLink
	images   map[string][]byte
	firmware []string
	tower    *Tower
}

func newRig(t *testing.T) *rig {
	return newRigWith(t, nil)
}

func newRigWith(t *testing.T, tweak func(*env.Config)) *rig {
	r := &rig{
		t:      t,
		config: env.Defaults(),
		clock:  fx.NewManualClock(epoch),
		link:   &loopLink{},
		images: make(map[string][]byte),
	}
	r.config.DeviceID = "t1"
	r.config.Storage.SlotSize = 64 << 10
	r.config.Update.FactoryVersion = "1.2.0"
	if tweak != nil {
		tweak(&r.config)
	}
	r.hw = NewSimHardware(&r.config, r.clock)
	r.hw.Link = func(firmware string) (network.Link, error) {
		r.firmware = append(r.firmware, firmware)
		return r.link, nil
	}
	r.hw.Fetcher = ota.FetcherFunc(func(ctx context.Context, uri string, off int64, n int) ([]byte, error) {
		img, ok := r.images[uri]
		if !ok || off >= int64(len(img)) {
			return nil, fmt.Errorf("%s: not found", uri)
		}
		end := off + int64(n)
		if end > int64(len(img)) {
			end = int64(len(img))
		}
		return append([]byte(nil), img[off:end]...), nil
	})
	r.boot()
	return r
}

func (r *rig) boot() {
	tower, err := New(&r.config, &r.hw.Hardware)
	require.NoError(r.t, err)
	r.tower = tower
}

// drive runs the scheduler for d of simulated time, or until a reset is
// requested, waiting for async connects and fetches.
func (r *rig) drive(d time.Duration) {
	end := r.clock.Now().Add(d)
	for r.tower.ResetReason() == "" {
		ran, next := r.tower.Scheduler.Poll()
		if ran {
			continue
		}
		if r.tower.Network.State() == network.Connecting || r.tower.Update.InFlight() {
			select {
			case <-r.tower.Scheduler.Doorbell():
				continue
			case <-time.After(200 * time.Millisecond):
			}
		}
		if next.IsZero() || next.After(end) {
			r.clock.Set(end)
			return
		}
		r.clock.Set(next)
	}
}

func (r *rig) acks() []*msgs.Ack {
	var acks []*msgs.Ack
	for _, payload := range r.link.take(network.ChannelAck) {
		a, err := msgs.DecodeAck(payload)
		require.NoError(r.t, err)
		acks = append(acks, a)
	}
	return acks
}

func (r *rig) lastTelemetry() msgs.Telemetry {
	published := r.link.take(network.ChannelTelemetry)
	require.NotEmpty(r.t, published)
	var tm msgs.Telemetry
	require.NoError(r.t, msgs.JSON.Unmarshal(published[len(published)-1], &tm))
	return tm
}

func testImage(size int, seed byte) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i*13) ^ seed
	}
	return img
}

func TestTowerBoot(t *testing.T) {
	r := newRig(t)
	require.Equal(t, []string{"1.2.0"}, r.firmware)
	r.drive(3 * time.Second)

	snap := r.tower.Store.Snapshot()
	require.True(t, snap.Network.Connected)
	require.True(t, snap.Sensors.Healthy)
	require.GreaterOrEqual(t, snap.Sensors.Seq, uint64(3))
	require.Equal(t, "Idle", snap.Update.State)
	require.Equal(t, "1.2.0", snap.Update.RunningVersion)

	tm := r.lastTelemetry()
	require.True(t, tm.Connected)
	require.Equal(t, "1.2.0", tm.FirmwareVersion)
	for id := fx.TaskMotion; int(id) < fx.NumTasks; id++ {
		require.NotEqual(t, fx.TaskFaulted, r.tower.Scheduler.State(id), id.String())
	}
}

func TestTowerTracksTarget(t *testing.T) {
	r := newRig(t)
	r.drive(time.Second)
	r.link.deliver(`{"id":"1","set_target":{"azimuth":12.5,"elevation":30}}`)
	r.drive(5 * time.Second)

	require.Equal(t, []*msgs.Ack{{ID: "1", Command: msgs.KindSetTarget, Result: msgs.AckOK}}, r.acks())
	m := r.tower.Store.Motion()
	require.Equal(t, "Idle", m.Mode)
	require.True(t, m.Current.Near(state.Orientation{Azimuth: 12.5, Elevation: 30}, 0.1))
	require.False(t, r.hw.Relay.On())
	pos, ok, err := r.hw.Positions.LoadPosition()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, pos.Near(m.Current, 1e-9))

	r.link.deliver(`{"id":"2","get_status":{}}`)
	r.drive(time.Second)
	require.Equal(t, msgs.AckOK, r.acks()[0].Result)
	require.NotEmpty(t, r.link.take(network.ChannelStatus))
}

func (r *rig) triggerUpdate(version string, img []byte) {
	uri := "http://images/tower-" + version + ".bin"
	r.images[uri] = img
	r.link.deliver(fmt.Sprintf(`{"id":"u%s","update_firmware":{"version":%q,"uri":%q,"size":%d,"digest":%q}}`,
		version, version, uri, len(img), ota.DigestOf(img)))
}

func TestTowerUpdateCommits(t *testing.T) {
	r := newRig(t)
	r.drive(2 * time.Second)

	img := testImage(20000, 0x5a)
	r.triggerUpdate("1.3.0", img)
	r.drive(time.Minute)
	require.Contains(t, r.tower.ResetReason(), "1.3.0")
	require.Equal(t, msgs.AckAccepted, r.acks()[0].Result)
	require.Equal(t, img, r.hw.Slots[ota.SlotB].Bytes(int64(len(img))))

	r.boot()
	require.Equal(t, []string{"1.2.0", "1.3.0"}, r.firmware)
	require.Equal(t, "Validating", r.tower.Store.Update().State)
	r.drive(5 * time.Second)
	require.Empty(t, r.tower.ResetReason())
	require.Equal(t, "Committed", r.tower.Store.Update().State)

	rec, err := ota.NewBootSelector(r.hw.Sectors).Load()
	require.NoError(t, err)
	require.Equal(t, ota.SlotB, rec.Active)
	require.True(t, rec.Validated())
	require.Zero(t, rec.Attempts)

	// the running version makes the same trigger a no-op
	r.triggerUpdate("1.3.0", img)
	r.drive(time.Second)
	require.Equal(t, msgs.AckNoOp, r.acks()[0].Result)
}

func TestTowerHomesOnBoot(t *testing.T) {
	r := newRigWith(t, func(c *env.Config) {
		c.Motion.Home.OnBoot = true
	})
	require.Equal(t, "Homing", r.tower.Store.Motion().Mode)
	r.drive(2 * time.Second)
	require.Equal(t, "Idle", r.tower.Store.Motion().Mode)
	require.EqualValues(t, -1, r.hw.Azimuth.Position())

	r.link.deliver(`{"set_target":{"azimuth":10,"elevation":0}}`)
	r.drive(3 * time.Second)
	st := r.tower.Store.Motion()
	require.Equal(t, "Idle", st.Mode)
	require.Equal(t, 10.0, st.Current.Azimuth)
	require.EqualValues(t, 99, r.hw.Azimuth.Position())
}

func TestTowerUpdateRollsBack(t *testing.T) {
	r := newRig(t)
	r.drive(2 * time.Second)
	r.triggerUpdate("1.3.0", testImage(20000, 0x33))
	r.drive(time.Minute)
	require.NotEmpty(t, r.tower.ResetReason())

	// the new image never gets healthy sensors
	r.hw.Board.SetFailing(true)
	var reasons []string
	for boot := 0; boot < 3; boot++ {
		r.boot()
		require.Equal(t, "Validating", r.tower.Store.Update().State)
		r.drive(3 * time.Minute)
		reasons = append(reasons, r.tower.ResetReason())
	}
	require.Contains(t, reasons[2], "rollback")

	r.hw.Board.SetFailing(false)
	r.boot()
	require.Equal(t, "1.2.0", r.firmware[len(r.firmware)-1])
	u := r.tower.Store.Update()
	require.Equal(t, "RolledBack", u.State)
	require.Equal(t, "1.2.0", u.RunningVersion)
	require.NotEmpty(t, u.Reason)

	rec, err := ota.NewBootSelector(r.hw.Sectors).Load()
	require.NoError(t, err)
	require.Equal(t, ota.SlotA, rec.Active)
	require.True(t, rec.Validated())
}

func TestTowerCancelUpdate(t *testing.T) {
	r := newRig(t)
	r.drive(2 * time.Second)
	r.link.deliver(`{"id":"c0","cancel_update":{}}`)
	r.drive(time.Second)
	require.Equal(t, msgs.AckNoOp, r.acks()[0].Result)

	r.triggerUpdate("1.3.0", testImage(60000, 0x77))
	r.link.deliver(`{"id":"c1","cancel_update":{}}`)
	r.drive(time.Minute)
	require.Empty(t, r.tower.ResetReason())
	acks := r.acks()
	require.Len(t, acks, 2)
	require.Equal(t, msgs.AckAccepted, acks[0].Result)
	require.Equal(t, msgs.AckOK, acks[1].Result)
	require.Equal(t, "Idle", r.tower.Store.Update().State)

	rec, err := ota.NewBootSelector(r.hw.Sectors).Load()
	require.NoError(t, err)
	require.Equal(t, ota.SlotA, rec.Active)
}

func TestTowerRunStopsOnReset(t *testing.T) {
	config := env.Defaults()
	config.DeviceID = "t1"
	config.Storage.SlotSize = 4096
	hw := NewSimHardware(&config, fx.SystemClock{})
	hw.Link = func(string) (network.Link, error) { return &loopLink{}, nil }
	tower, err := New(&config, &hw.Hardware)
	require.NoError(t, err)

	done := make(chan string)
	go func() {
		reason, err := tower.Run(context.Background())
		require.NoError(t, err)
		done <- reason
	}()
	time.Sleep(50 * time.Millisecond)
	tower.Reset("operator")
	select {
	case reason := <-done:
		require.Equal(t, "operator", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tower, err = New(&config, &hw.Hardware)
	require.NoError(t, err)
	reason, err := tower.Run(ctx)
	require.Empty(t, reason)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestTowerNewErrors(t *testing.T) {
	config := env.Defaults()
	config.DeviceID = "t1"
	hw := NewSimHardware(&config, fx.NewManualClock(epoch))
	_, err := New(&config, &hw.Hardware)
	require.Error(t, err)

	hw.Link = func(string) (network.Link, error) { return nil, errors.New("no broker") }
	_, err = New(&config, &hw.Hardware)
	require.Error(t, err)
}
