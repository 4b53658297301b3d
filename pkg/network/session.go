package network

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/ota"
	"github.com/robotalks/suntower/pkg/state"
)

// Session is the network task. It owns the link lifecycle, the outbound
// ring and the inbound command inbox.
type Session struct {
	config   Config
	link     Link
	out      *state.NetworkWriter
	enc      msgs.Encoding
	motion   Motion
	updater  Updater
	notifier fx.Notifier

	inbox     chan []byte
	rejected  atomic.Uint64
	gen       atomic.Uint64
	lostGen   atomic.Uint64
	malformed uint64

	state     State
	retry     *backoff.ExponentialBackOff
	retryAt   time.Time
	connect   *connectOp
	ring      *Ring
	nextTelem time.Time

	lastMotion    string
	lastUpdate    string
	lastConnected bool
	status        state.NetworkStatus
}

type connectOp struct {
	done     chan error
	cancel   context.CancelFunc
	deadline time.Time
	expired  bool
}

// NewSession creates the session manager. motion and updater may be nil,
// their commands are then answered with an error.
func NewSession(config Config, link Link, out *state.NetworkWriter, clock fx.TimeSource, motion Motion, updater Updater) (*Session, error) {
	if link == nil || out == nil {
		return nil, errors.New("network: link and state writer required")
	}
	if config.RingSize <= 0 || config.InboxSize <= 0 || config.PublishBurst <= 0 || config.CommandBurst <= 0 {
		return nil, fmt.Errorf("network: invalid config %+v", config)
	}
	if config.TelemetryPeriod <= 0 || config.Backoff.Initial <= 0 {
		return nil, fmt.Errorf("network: invalid config %+v", config)
	}
	enc, err := msgs.EncodingByName(config.Encoding)
	if err != nil {
		return nil, err
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = config.Backoff.Initial
	retry.MaxInterval = config.Backoff.Max
	retry.Multiplier = config.Backoff.Multiplier
	retry.RandomizationFactor = config.Backoff.Jitter
	retry.MaxElapsedTime = 0
	if clock != nil {
		retry.Clock = clock
	}
	retry.Reset()
	return &Session{
		config:  config,
		link:    link,
		out:     out,
		enc:     enc,
		motion:  motion,
		updater: updater,
		inbox:   make(chan []byte, config.InboxSize),
		retry:   retry,
		ring:    NewRing(config.RingSize),
	}, nil
}

// BindNotifier lets inbound traffic and connection events wake the task.
func (s *Session) BindNotifier(n fx.Notifier) {
	s.notifier = n
}

// State is the session state.
func (s *Session) State() State {
	return s.state
}

// Queued is the number of messages waiting for the link.
func (s *Session) Queued() int {
	return s.ring.Len()
}

// Rejected counts commands dropped because the inbox was full.
func (s *Session) Rejected() uint64 {
	return s.rejected.Load()
}

// Malformed counts discarded undecodable commands.
func (s *Session) Malformed() uint64 {
	return s.malformed
}

// Close disconnects the link.
func (s *Session) Close() {
	if s.connect != nil {
		s.connect.cancel()
	}
	if s.state == Connected {
		s.link.Disconnect()
	}
	s.state = Disconnected
}

func (s *Session) wake() {
	if n := s.notifier; n != nil {
		n.Notify(fx.TaskNetwork)
	}
}

func (s *Session) handlers(gen uint64) Handlers {
	return Handlers{
		OnCommand: func(payload []byte) {
			select {
			case s.inbox <- append([]byte(nil), payload...):
			default:
				s.rejected.Add(1)
				glog.Warningf("network: inbox full, command dropped")
			}
			s.wake()
		},
		OnLost: func(err error) {
			glog.Warningf("network: connection lost: %v", err)
			s.lostGen.Store(gen)
			s.wake()
		},
	}
}

// Step implements fx.Task.
func (s *Session) Step(sc fx.SliceContext) fx.Yield {
	now := sc.Now()
	if s.state == Connected && s.lostGen.Load() == s.gen.Load() {
		s.link.Disconnect()
		s.disconnected(now, nil)
	}
	switch s.state {
	case Disconnected:
		if !now.Before(s.retryAt) {
			s.startConnect(sc)
		}
	case Connecting:
		s.pollConnect(now)
	}

	more := s.handleCommands(sc, now)
	s.produce(now)
	if s.state == Connected && s.flush(sc) {
		more = true
	}
	s.publishStatus()
	if more {
		return fx.Continue
	}
	sc.WakeAt(s.nextTelem)
	switch s.state {
	case Disconnected:
		sc.WakeAt(s.retryAt)
	case Connecting:
		if !s.connect.expired {
			sc.WakeAt(s.connect.deadline)
		}
	}
	return fx.Sleep
}

func (s *Session) startConnect(sc fx.SliceContext) {
	gen := s.gen.Add(1)
	ctx, cancel := context.WithTimeout(sc.Context(), s.config.ConnectTimeout)
	op := &connectOp{
		done:     make(chan error, 1),
		cancel:   cancel,
		deadline: sc.Now().Add(s.config.ConnectTimeout),
	}
	link, h, notifier := s.link, s.handlers(gen), sc.Notifier()
	go func() {
		op.done <- link.Connect(ctx, h)
		notifier.Notify(fx.TaskNetwork)
	}()
	s.connect = op
	s.state = Connecting
	glog.V(1).Infof("network: connecting, attempt %d", gen)
}

func (s *Session) pollConnect(now time.Time) {
	op := s.connect
	select {
	case err := <-op.done:
		op.cancel()
		s.connect = nil
		if err != nil {
			s.disconnected(now, err)
			return
		}
		s.state = Connected
		s.retry.Reset()
		glog.Info("network: connected")
	default:
		if !op.expired && !now.Before(op.deadline) {
			op.expired = true
			op.cancel()
			glog.Warningf("network: connect timed out after %v", s.config.ConnectTimeout)
		}
	}
}

func (s *Session) disconnected(now time.Time, err error) {
	s.state = Disconnected
	delay := s.retry.NextBackOff()
	s.retryAt = now.Add(delay)
	if err != nil {
		glog.Warningf("network: connect failed, retry in %v: %v", delay, err)
	} else {
		glog.Warningf("network: disconnected, retry in %v", delay)
	}
}

func (s *Session) handleCommands(sc fx.SliceContext, now time.Time) bool {
	for i := 0; i < s.config.CommandBurst && (i == 0 || !sc.ShouldYield()); i++ {
		select {
		case payload := <-s.inbox:
			s.handle(payload, now)
		default:
			return false
		}
	}
	return len(s.inbox) > 0
}

func (s *Session) handle(payload []byte, now time.Time) {
	cmd, err := msgs.DecodeCommand(payload)
	if err != nil {
		s.malformed++
		glog.Warningf("network: command discarded: %v", err)
		return
	}
	glog.V(1).Infof("network: command %s id=%q", cmd.Kind(), cmd.ID)
	ack := &msgs.Ack{ID: cmd.ID, Command: cmd.Kind(), Result: msgs.AckOK}
	switch {
	case cmd.SetTarget != nil:
		if s.motion == nil {
			ack.Result, ack.Message = msgs.AckError, "motion unavailable"
			break
		}
		s.motion.SetTarget(state.Orientation{Azimuth: cmd.SetTarget.Azimuth, Elevation: cmd.SetTarget.Elevation})
	case cmd.ClearFault != nil:
		if s.motion == nil {
			ack.Result, ack.Message = msgs.AckError, "motion unavailable"
			break
		}
		s.motion.ClearFault()
	case cmd.Home != nil:
		if s.motion == nil {
			ack.Result, ack.Message = msgs.AckError, "motion unavailable"
			break
		}
		s.motion.Home()
	case cmd.Jog != nil:
		if s.motion == nil {
			ack.Result, ack.Message = msgs.AckError, "motion unavailable"
			break
		}
		axis, err := motion.ParseAxis(cmd.Jog.Axis)
		if err != nil {
			ack.Result, ack.Message = msgs.AckRejected, err.Error()
			break
		}
		s.motion.Jog(axis, cmd.Jog.Steps)
	case cmd.UpdateFirmware != nil:
		s.trigger(cmd.UpdateFirmware, ack)
	case cmd.CancelUpdate != nil:
		switch {
		case s.updater == nil:
			ack.Result, ack.Message = msgs.AckError, "updates unavailable"
		case !s.updater.Cancel():
			ack.Result = msgs.AckNoOp
		}
	case cmd.GetStatus != nil:
		s.enqueueTelemetry(ChannelStatus, now)
	}
	if cmd.ID != "" {
		s.ack(ack)
	}
}

func (s *Session) trigger(u *msgs.UpdateFirmware, ack *msgs.Ack) {
	if s.updater == nil {
		ack.Result, ack.Message = msgs.AckError, "updates unavailable"
		return
	}
	v, err := ota.ParseVersion(u.Version)
	if err != nil {
		ack.Result, ack.Message = msgs.AckRejected, err.Error()
		return
	}
	switch s.updater.Trigger(ota.Request{Version: v, URI: u.URI, Size: u.Size, Digest: u.Digest}) {
	case ota.Accepted:
		ack.Result = msgs.AckAccepted
	case ota.NoOp:
		ack.Result = msgs.AckNoOp
	case ota.Busy:
		ack.Result = msgs.AckBusy
	default:
		ack.Result = msgs.AckRejected
	}
}

func (s *Session) ack(a *msgs.Ack) {
	data, err := a.Encode()
	if err != nil {
		glog.Errorf("network: encode ack: %v", err)
		return
	}
	s.push(Outbound{Channel: ChannelAck, Payload: data})
}

// produce queues periodic telemetry and telemetry on transitions of the
// motion mode, update state or connectivity.
func (s *Session) produce(now time.Time) {
	snap := s.out.Store().Snapshot()
	connected := s.state == Connected
	changed := snap.Motion.Mode != s.lastMotion || snap.Update.State != s.lastUpdate || connected != s.lastConnected
	due := !now.Before(s.nextTelem)
	if !changed && !due {
		return
	}
	// entering Fault is also reported on the status channel.
	faulted := snap.Motion.Mode == motionFault && s.lastMotion != motionFault
	s.lastMotion, s.lastUpdate, s.lastConnected = snap.Motion.Mode, snap.Update.State, connected
	if due {
		if s.nextTelem.IsZero() {
			s.nextTelem = now
		}
		for !s.nextTelem.After(now) {
			s.nextTelem = s.nextTelem.Add(s.config.TelemetryPeriod)
		}
	}
	s.render(ChannelTelemetry, snap, now)
	if faulted {
		s.render(ChannelStatus, snap, now)
	}
}

func (s *Session) enqueueTelemetry(ch Channel, now time.Time) {
	s.render(ch, s.out.Store().Snapshot(), now)
}

func (s *Session) render(ch Channel, snap state.Snapshot, now time.Time) {
	snap.Network = s.currentStatus()
	data, err := s.enc.Marshal(msgs.NewTelemetry(snap, now))
	if err != nil {
		glog.Errorf("network: encode telemetry: %v", err)
		return
	}
	s.push(Outbound{Channel: ch, Payload: data})
}

func (s *Session) push(m Outbound) {
	if s.ring.Push(m) {
		glog.V(1).Infof("network: outbound ring full, oldest message dropped (%d total)", s.ring.Dropped())
	}
}

// flush publishes at most PublishBurst messages, fewer once the slice is
// used up, and reports whether more are waiting. A failed publish keeps
// the message queued.
func (s *Session) flush(sc fx.SliceContext) bool {
	for i := 0; i < s.config.PublishBurst && (i == 0 || !sc.ShouldYield()); i++ {
		m, ok := s.ring.Peek()
		if !ok {
			return false
		}
		if err := s.link.Publish(m.Channel, m.Payload); err != nil {
			glog.Warningf("network: publish %s: %v", m.Channel, err)
			return false
		}
		s.ring.Pop()
	}
	return s.ring.Len() > 0
}

func (s *Session) currentStatus() state.NetworkStatus {
	connected := s.state == Connected
	return state.NetworkStatus{
		Connected: connected,
		Healthy:   connected,
		Dropped:   s.ring.Dropped(),
	}
}

func (s *Session) publishStatus() {
	if st := s.currentStatus(); st != s.status {
		s.status = st
		s.out.Publish(st)
	}
}
