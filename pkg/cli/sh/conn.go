package sh

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/network/mqtt"
)

// DefaultTimeout bounds the wait for an ack.
const DefaultTimeout = time.Second

var errTimeout = errors.New("command timeout")

// Conn talks to one tower over the broker.
type Conn struct {
	DeviceID string
	Queue    *mqtt.Queue
	Topics   mqtt.Topics
	Timeout  time.Duration

	lock    sync.Mutex
	pending map[string]chan *msgs.Ack
	subs    []*mqtt.Subscription
}

// NewConn creates a Conn on a connected queue.
func NewConn(q *mqtt.Queue, deviceID string) *Conn {
	c := &Conn{
		DeviceID: deviceID,
		Queue:    q,
		Topics:   mqtt.NewTopics(deviceID),
		Timeout:  DefaultTimeout,
		pending:  make(map[string]chan *msgs.Ack),
	}
	c.subs = append(c.subs, q.Sub(c.Topics.Ack, c.onAck))
	return c
}

func (c *Conn) onAck(_ string, payload []byte) {
	ack, err := msgs.DecodeAck(payload)
	if err != nil {
		glog.Warningf("invalid ack: %v", err)
		return
	}
	c.lock.Lock()
	ch := c.pending[ack.ID]
	delete(c.pending, ack.ID)
	c.lock.Unlock()
	if ch != nil {
		ch <- ack
	}
}

// Send publishes cmd with a fresh id and returns the channel receiving
// its ack.
func (c *Conn) Send(cmd *msgs.Command) (<-chan *msgs.Ack, error) {
	cmd.ID = uuid.NewString()
	payload, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	ch := make(chan *msgs.Ack, 1)
	c.lock.Lock()
	c.pending[cmd.ID] = ch
	c.lock.Unlock()
	token := c.Queue.PubWith(c.Topics.Cmd, payload, 1, false)
	if !token.WaitTimeout(c.Timeout) {
		c.forget(cmd.ID)
		return nil, errTimeout
	}
	if err := token.Error(); err != nil {
		c.forget(cmd.ID)
		return nil, err
	}
	return ch, nil
}

func (c *Conn) forget(id string) {
	c.lock.Lock()
	delete(c.pending, id)
	c.lock.Unlock()
}

// Do sends cmd and waits for the ack.
func (c *Conn) Do(cmd *msgs.Command) (*msgs.Ack, error) {
	ch, err := c.Send(cmd)
	if err != nil {
		return nil, err
	}
	select {
	case ack := <-ch:
		return ack, nil
	case <-time.After(c.Timeout):
		c.forget(cmd.ID)
		return nil, errTimeout
	}
}

// Watch delivers payloads published by the tower on topic until the
// returned func is called.
func (c *Conn) Watch(topic string, fn func(payload []byte)) func() {
	sub := c.Queue.Sub(topic, func(_ string, payload []byte) { fn(payload) })
	return func() {
		if err := sub.Close(); err != nil {
			glog.Warningf("unsubscribe %s: %v", topic, err)
		}
	}
}

// Close drops subscriptions of this tower.
func (c *Conn) Close() {
	for _, sub := range c.subs {
		sub.Close()
	}
	c.subs = nil
}

// Directory collects retained tower announcements.
type Directory struct {
	lock   sync.Mutex
	towers map[string]mqtt.Meta
}

// Update records an announcement received on topic "<id>/meta".
func (d *Directory) Update(topic string, meta mqtt.Meta) {
	id := strings.TrimSuffix(topic, "/meta")
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.towers == nil {
		d.towers = make(map[string]mqtt.Meta)
	}
	d.towers[id] = meta
}

// Towers lists known tower ids, online ones first.
func (d *Directory) Towers() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	ids := make([]string, 0, len(d.towers))
	for id := range d.towers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := d.towers[ids[i]], d.towers[ids[j]]
		if a.Online != b.Online {
			return a.Online
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Meta returns the announcement of a tower.
func (d *Directory) Meta(id string) (mqtt.Meta, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	meta, ok := d.towers[id]
	return meta, ok
}

// FormatTower renders a directory entry for display.
func FormatTower(id string, meta mqtt.Meta) string {
	s := id
	if meta.Online {
		s += " online"
	} else {
		s += " offline"
	}
	if meta.Firmware != "" {
		s += fmt.Sprintf(" firmware=%s", meta.Firmware)
	}
	if meta.Description != "" {
		s += ": " + meta.Description
	}
	return s
}
