// Package ota implements the on-device firmware update state machine
// with A/B partitions and a rollback guard.
package ota

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/uuid"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/state"
)

// Config tunes the update manager.
type Config struct {
	ChunkSize       int           `yaml:"chunk-size"`
	ChunkTimeout    time.Duration `yaml:"chunk-timeout"`
	MaxRetries      int           `yaml:"max-retries"`
	RetryInterval   time.Duration `yaml:"retry-interval"`
	MaxBootAttempts int           `yaml:"max-boot-attempts"`
	SelfTestTimeout time.Duration `yaml:"self-test-timeout"`
	SelfTestPoll    time.Duration `yaml:"self-test-poll"`
	// FactoryVersion is what slot A holds when no boot record exists.
	FactoryVersion string `yaml:"factory-version"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       4096,
		ChunkTimeout:    5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   500 * time.Millisecond,
		MaxBootAttempts: 3,
		SelfTestTimeout: 2 * time.Minute,
		SelfTestPoll:    time.Second,
		FactoryVersion:  "1.0.0",
	}
}

// Resetter restarts the device.
type Resetter interface {
	Reset(reason string)
}

// ResetFunc is the func form of Resetter.
type ResetFunc func(reason string)

// Reset implements Resetter.
func (f ResetFunc) Reset(reason string) {
	f(reason)
}

// Storage is the flash layout.
type Storage struct {
	Slots   [2]Partition
	Staging Partition
	Sectors SectorStore
}

// SelfTest decides whether a freshly booted image works.
type SelfTest func(state.Snapshot) bool

// DefaultSelfTest requires both sensors and network to report healthy.
func DefaultSelfTest(s state.Snapshot) bool {
	return s.Sensors.Healthy && s.Network.Healthy
}

var (
	errCancelled   = errors.New("cancelled")
	errEmptyChunk  = errors.New("fetcher returned no data")
	errNotBooted   = errors.New("update manager not booted")
	errNoFallback  = errors.New("previous slot is not validated")
	errShortImage  = errors.New("image shorter than expected size")
	errImageDigest = errors.New("digest mismatch")
)

// Manager is the update task.
type Manager struct {
	config   Config
	storage  Storage
	boot     *BootSelector
	fetcher  Fetcher
	resetter Resetter
	clock    fx.TimeSource
	out      *state.UpdateWriter
	selfTest SelfTest
	notifier fx.Notifier

	running Version
	booted  bool

	busy      atomic.Bool
	pending   atomic.Pointer[UpdateRecord]
	cancelReq atomic.Bool

	state     State
	target    Version
	failure   FailureKind
	reason    string
	resetting bool
	rec       *UpdateRecord

	offset   uint64
	retries  int
	retryAt  time.Time
	retry    *backoff.ExponentialBackOff
	fetch    *fetchOp
	digest   hash.Hash
	verified uint64
	written  uint64
	marked   bool
	readback bool
	buf      []byte

	validateBy time.Time
}

type fetchOp struct {
	done     chan fetchResult
	cancel   context.CancelFunc
	deadline time.Time
}

type fetchResult struct {
	data []byte
	err  error
}

// New creates a Manager. Boot must be called before the first slice.
func New(config Config, storage Storage, fetcher Fetcher, resetter Resetter, clock fx.TimeSource, out *state.UpdateWriter) (*Manager, error) {
	if storage.Slots[SlotA] == nil || storage.Slots[SlotB] == nil || storage.Staging == nil || storage.Sectors == nil {
		return nil, errors.New("ota: both slots, staging and boot sectors required")
	}
	if fetcher == nil || resetter == nil || clock == nil || out == nil {
		return nil, errors.New("ota: fetcher, resetter, clock and state writer required")
	}
	if config.ChunkSize <= 0 || config.MaxBootAttempts <= 0 {
		return nil, fmt.Errorf("ota: invalid config %+v", config)
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = config.RetryInterval
	retry.MaxInterval = config.ChunkTimeout
	retry.MaxElapsedTime = 0
	retry.Clock = clock
	return &Manager{
		config:   config,
		storage:  storage,
		boot:     NewBootSelector(storage.Sectors),
		fetcher:  fetcher,
		resetter: resetter,
		clock:    clock,
		out:      out,
		selfTest: DefaultSelfTest,
		retry:    retry,
		digest:   sha256.New(),
		buf:      make([]byte, config.ChunkSize),
	}, nil
}

// SetSelfTest replaces DefaultSelfTest.
func (m *Manager) SetSelfTest(t SelfTest) {
	m.selfTest = t
}

// BindNotifier lets Trigger, Cancel and finished fetches wake the task.
func (m *Manager) BindNotifier(n fx.Notifier) {
	m.notifier = n
}

// Running is the version of the active slot.
func (m *Manager) Running() Version {
	return m.running
}

// State is the current update state.
func (m *Manager) State() State {
	return m.state
}

// InFlight tells if a chunk fetch is outstanding.
func (m *Manager) InFlight() bool {
	return m.fetch != nil
}

// BootRecord returns the boot record in effect.
func (m *Manager) BootRecord() BootRecord {
	return m.boot.Current()
}

// Boot loads the boot record and decides how this boot proceeds. An
// unvalidated active slot gets its attempt counter persisted before
// validation starts; one booted too often is rolled back right away.
func (m *Manager) Boot() error {
	rec, err := m.boot.Load()
	if errors.Is(err, ErrNoBootRecord) {
		factory, perr := ParseVersion(m.config.FactoryVersion)
		if perr != nil {
			return perr
		}
		rec = BootRecord{Active: SlotA}
		rec.Slots[SlotA] = SlotInfo{Version: factory.String(), Validated: true}
		if err = m.boot.Commit(rec); err != nil {
			return fmt.Errorf("provision boot record: %w", err)
		}
		rec = m.boot.Current()
		glog.Infof("ota: boot record provisioned with %s in slot %s", factory, rec.Active)
	} else if err != nil {
		return err
	}
	if m.running, err = ParseVersion(rec.Slots[rec.Active].Version); err != nil {
		return fmt.Errorf("active slot %s: %w", rec.Active, err)
	}
	m.booted = true
	m.state, m.target = Idle, Version{}
	if rec.Reason != "" {
		// reported by this boot only.
		m.state, m.failure, m.reason = RolledBack, FatalGlobal, rec.Reason
		rec.Reason = ""
	}
	if rec.Validated() {
		glog.Infof("ota: running %s from slot %s", m.running, rec.Active)
		m.publish()
		if m.state == RolledBack {
			if err := m.boot.Commit(rec); err != nil {
				glog.Warningf("ota: clear rollback reason: %v", err)
			}
		}
		return nil
	}

	m.busy.Store(true)
	m.state, m.target, m.failure, m.reason = Validating, m.running, NoFailure, ""
	rec.Attempts++
	if int(rec.Attempts) > m.config.MaxBootAttempts {
		return m.rollback(rec, fmt.Sprintf("no verdict after %d boots", rec.Attempts-1))
	}
	if err := m.boot.Commit(rec); err != nil {
		return fmt.Errorf("persist boot attempt: %w", err)
	}
	m.validateBy = m.clock.Now().Add(m.config.SelfTestTimeout)
	glog.Infof("ota: validating %s in slot %s, boot attempt %d/%d", m.running, rec.Active, rec.Attempts, m.config.MaxBootAttempts)
	m.publish()
	return nil
}

// Trigger requests an update. It is answered right away and the
// download starts in the next update slice.
func (m *Manager) Trigger(req Request) TriggerResult {
	if !m.booted {
		glog.Warningf("ota: trigger %s: %v", req.Version, errNotBooted)
		return Rejected
	}
	if !req.Version.Newer(m.running) {
		glog.V(1).Infof("ota: trigger %s ignored, running %s", req.Version, m.running)
		return NoOp
	}
	digest, err := ParseDigest(req.Digest)
	if err != nil {
		glog.Warningf("ota: trigger %s rejected: %v", req.Version, err)
		return Rejected
	}
	if req.Size == 0 || req.Size > uint64(m.storage.Slots[SlotA].Size()) || req.Size > uint64(m.storage.Staging.Size()) {
		glog.Warningf("ota: trigger %s rejected: size %d does not fit a slot", req.Version, req.Size)
		return Rejected
	}
	if !m.busy.CompareAndSwap(false, true) {
		return Busy
	}
	m.pending.Store(&UpdateRecord{
		Session: uuid.NewString(),
		Target:  req.Version,
		Source:  req.URI,
		Size:    req.Size,
		Digest:  digest,
	})
	m.wake()
	return Accepted
}

// Cancel requests to abandon the update. It reports whether an update
// was in a cancellable state. The abort happens at the next slice
// boundary and never touches the active slot.
func (m *Manager) Cancel() bool {
	if m.pending.Swap(nil) != nil {
		m.busy.Store(false)
		return true
	}
	if !m.state.Cancellable() {
		return false
	}
	m.cancelReq.Store(true)
	m.wake()
	return true
}

func (m *Manager) wake() {
	if m.notifier != nil {
		m.notifier.Notify(fx.TaskUpdate)
	}
}

// Step implements fx.Task.
func (m *Manager) Step(sc fx.SliceContext) fx.Yield {
	if m.resetting || !m.booted {
		return fx.Block
	}
	if m.cancelReq.Swap(false) {
		if m.state.Cancellable() {
			m.abort(NoFailure, errCancelled)
			return fx.Block
		}
		glog.Warningf("ota: cancel ignored in %s", m.state)
	}
	if rec := m.pending.Swap(nil); rec != nil {
		m.start(rec)
	}
	switch m.state {
	case Downloading:
		return m.download(sc)
	case Verifying:
		return m.verify()
	case Writing:
		return m.write()
	case Validating:
		return m.validate(sc)
	}
	return fx.Block
}

func (m *Manager) transit(to State) {
	if !canTransit(m.state, to) {
		panic(fmt.Sprintf("ota: illegal transition %s -> %s", m.state, to))
	}
	glog.V(1).Infof("ota: %s -> %s", m.state, to)
	m.state = to
	if m.rec != nil {
		m.rec.State = to
	}
	m.publish()
}

func (m *Manager) start(rec *UpdateRecord) {
	rec.Slot = m.boot.Current().Active.Other()
	m.rec, m.target = rec, rec.Target
	m.failure, m.reason = NoFailure, ""
	m.offset, m.retries, m.retryAt = 0, 0, time.Time{}
	m.retry.Reset()
	glog.Infof("ota: update %s session %s from %s (%d bytes) into slot %s",
		rec.Target, rec.Session, rec.Source, rec.Size, rec.Slot)
	m.transit(Downloading)
}

func (m *Manager) download(sc fx.SliceContext) fx.Yield {
	now := sc.Now()
	if f := m.fetch; f != nil {
		select {
		case res := <-f.done:
			f.cancel()
			m.fetch = nil
			if res.err != nil {
				return m.fetchFailed(sc, res.err)
			}
			return m.stage(sc, res.data)
		default:
		}
		if now.Before(f.deadline) {
			sc.WakeAt(f.deadline)
			return fx.Block
		}
		f.cancel()
		m.fetch = nil
		return m.fetchFailed(sc, fmt.Errorf("chunk at %d: %w", m.offset, context.DeadlineExceeded))
	}
	if !m.retryAt.IsZero() && now.Before(m.retryAt) {
		sc.WakeAt(m.retryAt)
		return fx.Block
	}
	m.retryAt = time.Time{}
	m.startFetch(sc)
	return fx.Block
}

func (m *Manager) startFetch(sc fx.SliceContext) {
	n := m.chunk(m.offset)
	ctx, cancel := context.WithTimeout(sc.Context(), m.config.ChunkTimeout)
	done := make(chan fetchResult, 1)
	fetcher, uri, off, notifier := m.fetcher, m.rec.Source, int64(m.offset), sc.Notifier()
	go func() {
		data, err := fetcher.Fetch(ctx, uri, off, n)
		if err == nil && len(data) == 0 {
			err = errEmptyChunk
		}
		done <- fetchResult{data: data, err: err}
		notifier.Notify(fx.TaskUpdate)
	}()
	m.fetch = &fetchOp{done: done, cancel: cancel, deadline: sc.Now().Add(m.config.ChunkTimeout)}
	sc.WakeAt(m.fetch.deadline)
	glog.V(3).Infof("ota: fetching %d bytes at %d", n, off)
}

func (m *Manager) fetchFailed(sc fx.SliceContext, err error) fx.Yield {
	m.retries++
	if m.retries > m.config.MaxRetries {
		m.abort(Transient, fmt.Errorf("giving up after %d attempts: %w", m.retries, err))
		return fx.Block
	}
	m.retryAt = sc.Now().Add(m.retry.NextBackOff())
	glog.Warningf("ota: fetch failed (attempt %d/%d), retry at %s: %v",
		m.retries, m.config.MaxRetries+1, m.retryAt.Format(time.RFC3339Nano), err)
	sc.WakeAt(m.retryAt)
	return fx.Block
}

func (m *Manager) stage(sc fx.SliceContext, data []byte) fx.Yield {
	if rest := m.rec.Size - m.offset; uint64(len(data)) > rest {
		data = data[:rest]
	}
	if _, err := m.storage.Staging.WriteAt(data, int64(m.offset)); err != nil {
		m.abort(FatalLocal, fmt.Errorf("staging: %w", err))
		return fx.Block
	}
	m.offset += uint64(len(data))
	m.retries = 0
	m.retry.Reset()
	m.publish()
	if m.offset < m.rec.Size {
		m.startFetch(sc)
		return fx.Block
	}
	m.digest.Reset()
	m.verified = 0
	m.transit(Verifying)
	return fx.Continue
}

// verify hashes one chunk of the staged image per slice.
func (m *Manager) verify() fx.Yield {
	done, err := m.hashChunk(m.storage.Staging)
	switch {
	case err != nil:
		m.abort(FatalLocal, fmt.Errorf("staging: %w", err))
		return fx.Block
	case !done:
		return fx.Continue
	}
	if sum := m.sum(); sum != m.rec.Digest {
		m.abort(Integrity, fmt.Errorf("%w: got %s, want %s", errImageDigest, sum, m.rec.Digest))
		return fx.Block
	}
	m.written, m.marked, m.readback = 0, false, false
	m.transit(Writing)
	return fx.Continue
}

// write programs the inactive slot one chunk per slice, then reads it
// back. The slot is marked unvalidated before the first erase.
func (m *Manager) write() fx.Yield {
	slot := m.storage.Slots[m.rec.Slot]
	switch {
	case !m.marked:
		rec := m.boot.Current()
		if rec.Active == m.rec.Slot {
			m.abort(FatalLocal, fmt.Errorf("slot %s became active", m.rec.Slot))
			return fx.Block
		}
		rec.Slots[m.rec.Slot] = SlotInfo{}
		if err := m.boot.Commit(rec); err != nil {
			m.abort(FatalLocal, err)
			return fx.Block
		}
		m.marked = true
		return fx.Continue
	case !m.readback:
		off := m.written
		buf := m.buf[:m.chunk(off)]
		if _, err := m.storage.Staging.ReadAt(buf, int64(off)); err != nil {
			m.abort(FatalLocal, fmt.Errorf("staging: %w", err))
			return fx.Block
		}
		if err := slot.Erase(int64(off), int64(len(buf))); err != nil {
			m.abort(FatalLocal, fmt.Errorf("erase slot %s at %d: %w", m.rec.Slot, off, err))
			return fx.Block
		}
		if _, err := slot.WriteAt(buf, int64(off)); err != nil {
			m.abort(FatalLocal, fmt.Errorf("write slot %s at %d: %w", m.rec.Slot, off, err))
			return fx.Block
		}
		m.written += uint64(len(buf))
		if m.written == m.rec.Size {
			m.readback = true
			m.digest.Reset()
			m.verified = 0
		}
		m.publish()
		return fx.Continue
	}
	done, err := m.hashChunk(slot)
	switch {
	case err != nil:
		m.abort(FatalLocal, fmt.Errorf("read back slot %s: %w", m.rec.Slot, err))
		return fx.Block
	case !done:
		return fx.Continue
	}
	if sum := m.sum(); sum != m.rec.Digest {
		m.abort(FatalLocal, fmt.Errorf("read back slot %s: %w", m.rec.Slot, errImageDigest))
		return fx.Block
	}
	m.transit(PendingReboot)
	return m.switchSlot()
}

func (m *Manager) switchSlot() fx.Yield {
	rec := m.boot.Current()
	rec.Active = m.rec.Slot
	rec.Attempts = 0
	rec.Reason = ""
	rec.Slots[m.rec.Slot] = SlotInfo{Version: m.rec.Target.String()}
	if err := m.boot.Commit(rec); err != nil {
		m.abort(FatalLocal, err)
		return fx.Block
	}
	glog.Infof("ota: %s written to slot %s, resetting", m.rec.Target, m.rec.Slot)
	m.resetting = true
	m.resetter.Reset("update to " + m.rec.Target.String())
	return fx.Block
}

func (m *Manager) validate(sc fx.SliceContext) fx.Yield {
	now := sc.Now()
	if m.selfTest(m.out.Store().Snapshot()) {
		rec := m.boot.Current()
		rec.Slots[rec.Active].Validated = true
		rec.Attempts = 0
		rec.Reason = ""
		if err := m.boot.Commit(rec); err != nil {
			glog.Errorf("ota: commit %s: %v", m.running, err)
			sc.WakeAt(now.Add(m.config.SelfTestPoll))
			return fx.Sleep
		}
		m.transit(Committed)
		m.busy.Store(false)
		glog.Infof("ota: %s committed in slot %s", m.running, rec.Active)
		return fx.Block
	}
	if now.Before(m.validateBy) {
		next := now.Add(m.config.SelfTestPoll)
		if m.validateBy.Before(next) {
			next = m.validateBy
		}
		sc.WakeAt(next)
		return fx.Sleep
	}
	rec := m.boot.Current()
	reason := fmt.Sprintf("self-test failed on boot %d of %d", rec.Attempts, m.config.MaxBootAttempts)
	if int(rec.Attempts) >= m.config.MaxBootAttempts {
		if err := m.rollback(rec, reason); err != nil {
			glog.Errorf("ota: rollback: %v", err)
		}
		return fx.Block
	}
	glog.Warningf("ota: %s, resetting", reason)
	m.resetting = true
	m.resetter.Reset(reason)
	return fx.Block
}

func (m *Manager) rollback(rec BootRecord, reason string) error {
	failed, prev := rec.Active, rec.Active.Other()
	if !rec.Slots[prev].Validated {
		return fmt.Errorf("slot %s: %w", prev, errNoFallback)
	}
	rec.Active, rec.Attempts, rec.Reason = prev, 0, reason
	rec.Slots[failed].Validated = false
	if err := m.boot.Commit(rec); err != nil {
		return err
	}
	if v, err := ParseVersion(rec.Slots[prev].Version); err == nil {
		m.running = v
	}
	m.failure, m.reason = FatalGlobal, reason
	m.transit(RolledBack)
	m.busy.Store(false)
	m.resetting = true
	glog.Errorf("ota: rolled back to %s in slot %s: %s", m.running, prev, reason)
	m.resetter.Reset("rollback: " + reason)
	return nil
}

func (m *Manager) abort(kind FailureKind, err error) {
	if m.fetch != nil {
		m.fetch.cancel()
		m.fetch = nil
	}
	m.failure, m.reason = kind, err.Error()
	if kind == NoFailure {
		glog.Infof("ota: update %s %v in %s", m.target, err, m.state)
	} else {
		glog.Errorf("ota: update %s aborted in %s: %v", m.target, m.state, &Failure{Kind: kind, Err: err})
	}
	m.transit(Idle)
	m.rec = nil
	m.retryAt = time.Time{}
	m.busy.Store(false)
	m.publish()
}

func (m *Manager) chunk(off uint64) int {
	n := uint64(m.config.ChunkSize)
	if rest := m.rec.Size - off; rest < n {
		n = rest
	}
	return int(n)
}

func (m *Manager) hashChunk(r io.ReaderAt) (bool, error) {
	buf := m.buf[:m.chunk(m.verified)]
	n, err := r.ReadAt(buf, int64(m.verified))
	if n < len(buf) {
		if err == nil {
			err = errShortImage
		}
		return false, err
	}
	m.digest.Write(buf)
	m.verified += uint64(n)
	m.publish()
	return m.verified == m.rec.Size, nil
}

func (m *Manager) sum() (d Digest) {
	copy(d[:], m.digest.Sum(nil))
	return
}

func (m *Manager) progress() float64 {
	if m.rec == nil || m.rec.Size == 0 {
		return 0
	}
	size := float64(m.rec.Size)
	switch m.state {
	case Downloading:
		return float64(m.offset) / size
	case Verifying:
		return float64(m.verified) / size
	case Writing:
		if m.readback {
			return 0.5 + float64(m.verified)/size/2
		}
		return float64(m.written) / size / 2
	case PendingReboot:
		return 1
	}
	return 0
}

func (m *Manager) publish() {
	st := state.UpdateStatus{
		State:          m.state.String(),
		RunningVersion: m.running.String(),
		Progress:       m.progress(),
		FailureKind:    m.failure.String(),
		Reason:         m.reason,
	}
	if !m.target.IsZero() {
		st.TargetVersion = m.target.String()
	}
	if m.rec != nil {
		st.SessionID = m.rec.Session
	}
	m.out.Publish(st)
}
