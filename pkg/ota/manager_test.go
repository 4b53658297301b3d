package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/state"
)

const (
	testSlotSize  = 16384
	testImageSize = 10000
)

var testEpoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// device survives resets: flash, sectors and the image server. Everything
// else is recreated on every boot.
type device struct {
	t       *testing.T
	config  Config
	clock   *fx.ManualClock
	sectors *MemorySectors
	slots   [2]*MemoryPartition
	staging *MemoryPartition
	images  map[string][]byte

	lock      sync.Mutex
	fetches   int
	failFirst int
	hang      bool
	resets    []string
	healthy   bool

	store  *state.Store
	sched  *fx.Scheduler
	mgr    *Manager
	states []string
}

func newDevice(t *testing.T) *device {
	base := testImage(testImageSize, 0x12)
	d := &device{
		t:       t,
		config:  DefaultConfig(),
		clock:   fx.NewManualClock(testEpoch),
		sectors: NewMemorySectors(256),
		staging: NewMemoryPartition(testSlotSize),
		images: map[string][]byte{
			"1.2.0": base,
			"1.3.0": testImage(testImageSize, 0x13),
		},
		healthy: true,
	}
	d.config.ChunkSize = 1024
	d.config.FactoryVersion = "1.2.0"
	d.slots[SlotA] = NewMemoryPartitionWith(testSlotSize, base)
	d.slots[SlotB] = NewMemoryPartition(testSlotSize)
	return d
}

func (d *device) Fetch(ctx context.Context, uri string, off int64, n int) ([]byte, error) {
	d.lock.Lock()
	d.fetches++
	fail := d.fetches <= d.failFirst
	hang := d.hang
	d.lock.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("connection reset")
	}
	img, ok := d.images[uri]
	if !ok {
		return nil, fmt.Errorf("%s not found", uri)
	}
	if off >= int64(len(img)) {
		return nil, errors.New("range not satisfiable")
	}
	end := off + int64(n)
	if end > int64(len(img)) {
		end = int64(len(img))
	}
	return append([]byte(nil), img[off:end]...), nil
}

func (d *device) Reset(reason string) {
	d.resets = append(d.resets, reason)
}

func (d *device) boot() error {
	d.store = state.NewStore()
	d.sched = fx.NewScheduler(d.clock)
	storage := Storage{Sectors: d.sectors, Staging: d.staging}
	storage.Slots[SlotA], storage.Slots[SlotB] = d.slots[SlotA], d.slots[SlotB]
	mgr, err := New(d.config, storage, d, d, d.clock, d.store.ClaimUpdate())
	require.NoError(d.t, err)
	mgr.BindNotifier(d.sched)
	d.mgr = mgr
	d.store.ClaimSensors().Publish(state.SensorSnapshot{Healthy: d.healthy})
	d.store.ClaimNetwork().Publish(state.NetworkStatus{Connected: d.healthy, Healthy: d.healthy})
	require.NoError(d.t, d.sched.Register(fx.TaskSpec{ID: fx.TaskUpdate, Task: mgr}))
	err = mgr.Boot()
	d.observe()
	return err
}

func (d *device) observe() {
	s := d.store.Update().State
	if n := len(d.states); n == 0 || d.states[n-1] != s {
		d.states = append(d.states, s)
	}
}

func (d *device) run(dur time.Duration) {
	end := d.clock.Now().Add(dur)
	for d.clock.Now().Before(end) {
		ran, next := d.sched.Poll()
		d.observe()
		if ran {
			continue
		}
		if d.mgr.InFlight() {
			select {
			case <-d.sched.Doorbell():
				continue
			case <-time.After(200 * time.Millisecond):
			}
		}
		if next.IsZero() || next.After(end) {
			d.clock.Set(end)
			return
		}
		d.clock.Set(next)
	}
}

// stepUntil runs one slice at a time until the manager reaches s.
func (d *device) stepUntil(s State) {
	for i := 0; i < 10000 && d.mgr.State() != s; i++ {
		if ran, _ := d.sched.Poll(); !ran {
			select {
			case <-d.sched.Doorbell():
			case <-time.After(time.Second):
			}
		}
	}
	require.Equal(d.t, s, d.mgr.State())
}

func (d *device) request(version string) Request {
	img := d.images[version]
	return Request{
		Version: MustParseVersion(version),
		URI:     version,
		Size:    uint64(len(img)),
		Digest:  DigestOf(img).String(),
	}
}

func (d *device) requireBootable() {
	rec, err := NewBootSelector(d.sectors).Load()
	require.NoError(d.t, err)
	img, ok := d.images[rec.Slots[rec.Active].Version]
	require.True(d.t, ok, "active slot %s holds unknown version %q", rec.Active, rec.Slots[rec.Active].Version)
	require.Equal(d.t, DigestOf(img), DigestOf(d.slots[rec.Active].Bytes(int64(len(img)))))
}

func TestUpdateScenarioCommit(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.boot())
	require.Equal(t, "1.2.0", d.mgr.Running().String())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	d.run(time.Minute)
	require.Equal(t, []string{"update to 1.3.0"}, d.resets)
	switched, err := NewBootSelector(d.sectors).Load()
	require.NoError(t, err)
	require.Equal(t, SlotB, switched.Active)
	require.False(t, switched.Validated())
	require.Zero(t, switched.Attempts)

	require.NoError(t, d.boot())
	rec := d.mgr.BootRecord()
	require.Equal(t, SlotB, rec.Active)
	require.EqualValues(t, 1, rec.Attempts)
	d.run(5 * time.Second)

	require.Equal(t, []string{
		"Idle", "Downloading", "Verifying", "Writing", "PendingReboot",
		"Validating", "Committed",
	}, d.states)
	require.Equal(t, "1.3.0", d.mgr.Running().String())
	rec = d.mgr.BootRecord()
	require.Equal(t, SlotB, rec.Active)
	require.True(t, rec.Validated())
	require.Zero(t, rec.Attempts)
	require.True(t, rec.Slots[SlotA].Validated)
	require.Equal(t, d.images["1.3.0"], d.slots[SlotB].Bytes(testImageSize))
	require.Equal(t, d.images["1.2.0"], d.slots[SlotA].Bytes(testImageSize))
	st := d.store.Update()
	require.Equal(t, "1.3.0", st.RunningVersion)
	require.Empty(t, st.FailureKind)
	require.Len(t, d.resets, 1)
}

func TestUpdateScenarioBadDigest(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.boot())
	req := d.request("1.3.0")
	req.Digest = DigestOf([]byte("something else")).String()
	require.Equal(t, Accepted, d.mgr.Trigger(req))
	d.run(time.Minute)

	require.Equal(t, []string{"Idle", "Downloading", "Verifying", "Idle"}, d.states)
	st := d.store.Update()
	require.Equal(t, "Integrity", st.FailureKind)
	require.Equal(t, "1.2.0", st.RunningVersion)
	require.Zero(t, d.slots[SlotB].Writes())
	require.Empty(t, d.resets)
	require.Equal(t, SlotA, d.mgr.BootRecord().Active)
}

func TestUpdateScenarioRollback(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.boot())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	d.run(time.Minute)
	require.Len(t, d.resets, 1)

	d.healthy = false
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, d.boot())
		require.Equal(t, Validating, d.mgr.State())
		require.EqualValues(t, attempt, d.mgr.BootRecord().Attempts)
		newer := d.request("1.3.0")
		newer.Version = MustParseVersion("1.4.0")
		require.Equal(t, Busy, d.mgr.Trigger(newer))
		d.run(d.config.SelfTestTimeout + time.Second)
		require.Len(t, d.resets, attempt+1)
	}
	require.Equal(t, RolledBack, d.mgr.State())

	d.healthy = true
	require.NoError(t, d.boot())
	require.Equal(t, "1.2.0", d.mgr.Running().String())
	rec := d.mgr.BootRecord()
	require.Equal(t, SlotA, rec.Active)
	require.True(t, rec.Validated())
	require.False(t, rec.Slots[SlotB].Validated)
	st := d.store.Update()
	require.Equal(t, "RolledBack", st.State)
	require.Equal(t, "FatalGlobal", st.FailureKind)
	require.Contains(t, st.Reason, "self-test failed")
	require.Equal(t, d.images["1.2.0"], d.slots[SlotA].Bytes(testImageSize))
	require.Empty(t, d.mgr.BootRecord().Reason)

	// the rollback is reported once, the next boot is a plain one.
	require.NoError(t, d.boot())
	require.Equal(t, Idle, d.mgr.State())
	st = d.store.Update()
	require.Equal(t, "Idle", st.State)
	require.Empty(t, st.Reason)
	require.Len(t, d.resets, 4)

	// a later update is still possible.
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
}

func TestUpdateRollbackWithoutVerdict(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.boot())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	d.run(time.Minute)

	// the new image dies before reaching any verdict.
	for i := 0; i < 3; i++ {
		require.NoError(t, d.boot())
		require.Equal(t, Validating, d.mgr.State())
	}
	require.NoError(t, d.boot())
	require.Equal(t, RolledBack, d.mgr.State())
	require.Equal(t, "1.2.0", d.mgr.Running().String())
	require.Equal(t, SlotA, d.mgr.BootRecord().Active)
	require.Len(t, d.resets, 2)
}

func TestTriggerVersionGate(t *testing.T) {
	testCases := []struct {
		version string
		result  TriggerResult
	}{
		{"1.2.0", NoOp},
		{"1.1.9", NoOp},
		{"0.99.99", NoOp},
		{"1.2.1", Accepted},
		{"1.10.0", Accepted},
		{"2.0.0", Accepted},
	}
	for _, tc := range testCases {
		t.Run(tc.version, func(t *testing.T) {
			d := newDevice(t)
			require.NoError(t, d.boot())
			req := d.request("1.3.0")
			req.Version = MustParseVersion(tc.version)
			require.Equal(t, tc.result, d.mgr.Trigger(req))
			d.sched.Poll()
			d.observe()
			if tc.result == NoOp {
				require.Equal(t, []string{"Idle"}, d.states)
				require.Equal(t, Idle, d.mgr.State())
			} else {
				require.Equal(t, Downloading, d.mgr.State())
			}
		})
	}
}

func TestTriggerRejectsAndBusy(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.boot())

	req := d.request("1.3.0")
	req.Size = 0
	require.Equal(t, Rejected, d.mgr.Trigger(req))
	req.Size = testSlotSize + 1
	require.Equal(t, Rejected, d.mgr.Trigger(req))
	req = d.request("1.3.0")
	req.Digest = "abc"
	require.Equal(t, Rejected, d.mgr.Trigger(req))

	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	require.Equal(t, Busy, d.mgr.Trigger(d.request("1.3.0")))
}

func TestDownloadRetries(t *testing.T) {
	d := newDevice(t)
	d.failFirst = 2
	require.NoError(t, d.boot())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	d.run(time.Minute)
	require.Equal(t, []string{"update to 1.3.0"}, d.resets)
}

func TestDownloadGivesUp(t *testing.T) {
	d := newDevice(t)
	d.failFirst = 1000
	require.NoError(t, d.boot())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	d.run(time.Minute)
	require.Equal(t, []string{"Idle", "Downloading", "Idle"}, d.states)
	require.Equal(t, "Transient", d.store.Update().FailureKind)
	require.Equal(t, d.config.MaxRetries+1, d.fetches)
	require.Zero(t, d.slots[SlotB].Writes())
	// no longer busy.
	d.failFirst = 0
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
}

func TestDownloadChunkDeadline(t *testing.T) {
	d := newDevice(t)
	d.hang = true
	d.config.ChunkTimeout = time.Second
	d.config.RetryInterval = 100 * time.Millisecond
	require.NoError(t, d.boot())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	d.run(time.Minute)
	st := d.store.Update()
	require.Equal(t, "Idle", st.State)
	require.Equal(t, "Transient", st.FailureKind)
	require.Contains(t, st.Reason, context.DeadlineExceeded.Error())
}

func TestWriteFailureKeepsRunningFirmware(t *testing.T) {
	d := newDevice(t)
	d.slots[SlotB].FailWritesAt(5000)
	require.NoError(t, d.boot())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	d.run(time.Minute)
	require.Equal(t, []string{"Idle", "Downloading", "Verifying", "Writing", "Idle"}, d.states)
	st := d.store.Update()
	require.Equal(t, "FatalLocal", st.FailureKind)
	require.Equal(t, "1.2.0", st.RunningVersion)
	rec := d.mgr.BootRecord()
	require.Equal(t, SlotA, rec.Active)
	require.False(t, rec.Slots[SlotB].Validated)
	require.Empty(t, d.resets)
	d.requireBootable()
}

func TestCorruptedByteFailsVerifying(t *testing.T) {
	for _, pos := range []int{0, 1023, 1024, testImageSize / 2, testImageSize - 1} {
		t.Run(fmt.Sprintf("byte %d", pos), func(t *testing.T) {
			d := newDevice(t)
			req := d.request("1.3.0")
			bad := append([]byte(nil), d.images["1.3.0"]...)
			bad[pos] ^= 0x01
			d.images["1.3.0"] = bad
			require.NoError(t, d.boot())
			require.Equal(t, Accepted, d.mgr.Trigger(req))
			d.run(time.Minute)
			require.Equal(t, "Integrity", d.store.Update().FailureKind)
			require.Zero(t, d.slots[SlotB].Writes())
		})
	}
}

func TestCancel(t *testing.T) {
	testCases := []struct {
		name  string
		until State
	}{
		{name: "downloading", until: Downloading},
		{name: "verifying", until: Verifying},
		{name: "writing", until: Writing},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDevice(t)
			require.NoError(t, d.boot())
			require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
			d.stepUntil(tc.until)
			if tc.until == Writing {
				// let a few chunks land in the slot.
				for i := 0; i < 4; i++ {
					d.sched.Poll()
				}
				require.Equal(t, Writing, d.mgr.State())
				require.NotZero(t, d.slots[SlotB].Writes())
			}
			require.True(t, d.mgr.Cancel())
			d.run(time.Second)
			require.Equal(t, Idle, d.mgr.State())
			st := d.store.Update()
			require.Equal(t, "cancelled", st.Reason)
			require.Empty(t, st.FailureKind)
			rec := d.mgr.BootRecord()
			require.Equal(t, SlotA, rec.Active)
			require.False(t, rec.Slots[SlotB].Validated)
			require.Empty(t, d.resets)
			require.False(t, d.mgr.Cancel())

			require.NoError(t, d.boot())
			require.Equal(t, "1.2.0", d.mgr.Running().String())
			require.Equal(t, Idle, d.mgr.State())
			d.requireBootable()
		})
	}
}

func TestCancelPendingTrigger(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.boot())
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
	require.True(t, d.mgr.Cancel())
	d.run(time.Second)
	require.Equal(t, []string{"Idle"}, d.states)
	require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
}

// Power is cut during each boot sector write in turn. After every cut
// the device must come back with exactly one active slot holding a
// complete image.
func TestPowerLossDuringUpdate(t *testing.T) {
	for tear := 1; tear <= 6; tear++ {
		t.Run(fmt.Sprintf("write %d", tear), func(t *testing.T) {
			d := newDevice(t)
			d.sectors.TearWrite(tear)
			powerOn := func() {
				if err := d.boot(); err != nil {
					require.ErrorIs(t, err, ErrPowerLost)
					require.NoError(t, d.boot())
				}
				d.requireBootable()
			}
			powerOn()
			if d.mgr.State() == Idle {
				require.Equal(t, Accepted, d.mgr.Trigger(d.request("1.3.0")))
			}
			d.run(time.Minute)
			d.requireBootable()
			for i := 0; i < 2; i++ {
				powerOn()
				d.run(time.Minute)
				d.requireBootable()
			}
			rec, err := NewBootSelector(d.sectors).Load()
			require.NoError(t, err)
			require.True(t, rec.Validated())
		})
	}
}
