// Package mqtt carries the tower session over MQTT.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/suntower/pkg/network"
)

// Topics are the per device topics, relative to the queue prefix.
type Topics struct {
	Cmd       string
	Telemetry string
	Status    string
	Ack       string
	Meta      string
}

// NewTopics builds the topics of a device.
func NewTopics(deviceID string) Topics {
	return Topics{
		Cmd:       deviceID + "/cmd",
		Telemetry: deviceID + "/telemetry",
		Status:    deviceID + "/status",
		Ack:       deviceID + "/ack",
		Meta:      deviceID + "/meta",
	}
}

// For maps an outbound channel to its topic.
func (t Topics) For(ch network.Channel) (string, error) {
	switch ch {
	case network.ChannelTelemetry:
		return t.Telemetry, nil
	case network.ChannelStatus:
		return t.Status, nil
	case network.ChannelAck:
		return t.Ack, nil
	}
	return "", fmt.Errorf("no topic for channel %d", ch)
}

// Meta is the retained device announcement.
type Meta struct {
	Online      bool              `json:"online"`
	Firmware    string            `json:"firmware,omitempty"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// DefaultPublishTimeout bounds how long a publish token is watched.
const DefaultPublishTimeout = 5 * time.Second

// maxResend bounds the acks kept for resending, the oldest is dropped.
const maxResend = 32

type outgoing struct {
	topic   string
	payload []byte
	qos     byte
}

// Link implements network.Link on a Queue. Reconnecting is left to the
// session manager.
type Link struct {
	Queue  *Queue
	Topics Topics

	meta    []byte
	offline []byte

	lock     sync.Mutex
	handlers network.Handlers
	cmdSub   *Subscription
	// resend holds QoS 1 messages whose publish failed after Publish
	// returned.
	resend []outgoing
}

// NewLink creates a Link for deviceID on the broker at brokerURL.
func NewLink(brokerURL, deviceID string, meta Meta) (*Link, error) {
	if deviceID == "" {
		return nil, errors.New("mqtt: device id required")
	}
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	meta.Online = true
	online, err := json.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	offline, _ := json.Marshal(&Meta{Online: false})
	topics := NewTopics(deviceID)
	opts.SetAutoReconnect(false)
	opts.SetBinaryWill(topicPrefix+topics.Meta, offline, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("suntower:" + deviceID)
	}
	l := &Link{
		Queue:   NewQueue(opts, topicPrefix),
		Topics:  topics,
		meta:    online,
		offline: offline,
	}
	l.Queue.OnConnect = func(q *Queue) {
		q.PubWith(l.Topics.Meta, l.meta, 1, true)
	}
	l.Queue.OnDisconnect = func(_ *Queue, err error) {
		if h := l.currentHandlers().OnLost; h != nil {
			h(err)
		}
	}
	return l, nil
}

func (l *Link) currentHandlers() network.Handlers {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.handlers
}

// Connect implements network.Link.
func (l *Link) Connect(ctx context.Context, h network.Handlers) error {
	l.lock.Lock()
	l.handlers = h
	l.lock.Unlock()

	token := l.Queue.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		l.Queue.Client.Disconnect(0)
		return ctx.Err()
	case <-done:
	}
	if err := token.Error(); err != nil {
		return err
	}
	l.lock.Lock()
	if l.cmdSub == nil {
		l.cmdSub = l.Queue.Sub(l.Topics.Cmd, l.onCommand)
	}
	l.lock.Unlock()
	return nil
}

func (l *Link) onCommand(_ string, payload []byte) {
	if h := l.currentHandlers().OnCommand; h != nil {
		h(payload)
	}
}

// Publish implements network.Link. Telemetry and status go out at QoS 0
// and are best effort once handed to the client. Acks go out at QoS 1; an
// ack whose token fails or times out is resent ahead of the next publish.
func (l *Link) Publish(ch network.Channel, payload []byte) error {
	topic, err := l.Topics.For(ch)
	if err != nil {
		return err
	}
	if !l.Queue.Client.IsConnected() {
		return network.ErrNotConnected
	}
	msg := outgoing{topic: topic, payload: payload}
	if ch == network.ChannelAck {
		msg.qos = 1
	}
	l.lock.Lock()
	resend := l.resend
	l.resend = nil
	l.lock.Unlock()
	for _, m := range resend {
		l.send(m)
	}
	l.send(msg)
	return nil
}

func (l *Link) send(m outgoing) {
	token := l.Queue.PubWith(m.topic, m.payload, m.qos, false)
	go func() {
		var err error
		if !token.WaitTimeout(DefaultPublishTimeout) {
			err = errors.New("timeout")
		} else if err = token.Error(); err == nil {
			return
		}
		glog.Warningf("mqtt: publish %s: %v", m.topic, err)
		if m.qos > 0 {
			l.requeue(m)
		}
	}()
}

func (l *Link) requeue(m outgoing) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.resend) >= maxResend {
		glog.Warningf("mqtt: resend queue full, dropping %s", l.resend[0].topic)
		l.resend = l.resend[1:]
	}
	l.resend = append(l.resend, m)
}

// Pending counts acks waiting to be resent.
func (l *Link) Pending() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.resend)
}

// Disconnect implements network.Link.
func (l *Link) Disconnect() {
	if l.Queue.Client.IsConnected() {
		l.Queue.PubWith(l.Topics.Meta, l.offline, 1, true).WaitTimeout(time.Second)
	}
	l.Queue.Close()
}
