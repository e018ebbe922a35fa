package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// RelayPublisher mirrors broadcast frames to other coordinator nodes.
// The hub publishes every locally-originated broadcast; frames arriving
// from the relay fan out locally without being re-published.
type RelayPublisher interface {
	Publish(frame []byte) error
}

// outbound is one fan-out request processed by the hub goroutine.
type outbound struct {
	frame     []byte
	except    string // connection id to skip, "" for none
	fromRelay bool   // suppresses re-publication to the relay
}

// direct is one private send processed by the hub goroutine.
type direct struct {
	connID string
	frame  []byte
}

// Hub owns the subscriber registry. All map access happens on the Run
// goroutine; the public methods only move messages through channels, so
// they are safe from any goroutine.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcasts chan outbound
	directs    chan direct

	relay RelayPublisher
	log   *logrus.Logger

	active     atomic.Int64
	sent       atomic.Int64
	dropped    atomic.Int64 // slow consumers disconnected
	totalConns atomic.Int64
}

// NewHub creates the fan-out hub. Run must be started before clients
// attach.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcasts: make(chan outbound, 64),
		directs:    make(chan direct, 64),
		log:        log,
	}
}

// SetRelay attaches the optional cluster relay. Must be called before
// Run.
func (h *Hub) SetRelay(r RelayPublisher) {
	h.relay = r
}

// Run processes registry changes and fan-out until ctx is canceled.
// On exit every client's send channel is closed, which unwinds the
// write pumps and closes the sockets.
func (h *Hub) Run(ctx context.Context) {
	conns := make(map[string]*Client)
	defer func() {
		for _, c := range conns {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			conns[c.ID] = c
			h.active.Store(int64(len(conns)))
			h.totalConns.Add(1)

		case c := <-h.unregister:
			if existing, ok := conns[c.ID]; ok && existing == c {
				delete(conns, c.ID)
				close(c.send)
				h.active.Store(int64(len(conns)))
			}

		case out := <-h.broadcasts:
			for id, c := range conns {
				if id == out.except {
					continue
				}
				h.deliver(conns, c, out.frame)
			}
			if h.relay != nil && !out.fromRelay {
				if err := h.relay.Publish(out.frame); err != nil {
					h.log.WithError(err).Warn("relay publish failed")
				}
			}

		case d := <-h.directs:
			if c, ok := conns[d.connID]; ok {
				h.deliver(conns, c, d.frame)
			}
		}
	}
}

// deliver hands a frame to one client's write pump. A full send buffer
// means the consumer has stalled past any useful backlog; it is dropped
// so one slow reader cannot wedge the fan-out loop.
func (h *Hub) deliver(conns map[string]*Client, c *Client, frame []byte) {
	select {
	case c.send <- frame:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
		h.log.WithField("conn", c.ID).Warn("dropping slow consumer")
		delete(conns, c.ID)
		close(c.send)
		h.active.Store(int64(len(conns)))
	}
}

// Broadcast sends an event to every connection.
func (h *Hub) Broadcast(event string, payload interface{}) {
	h.BroadcastExcept("", event, payload)
}

// BroadcastExcept sends an event to every connection but one.
func (h *Hub) BroadcastExcept(exceptID, event string, payload interface{}) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.log.WithField("event", event).WithError(err).Error("failed to encode broadcast")
		return
	}
	h.broadcasts <- outbound{frame: frame, except: exceptID}
}

// SendTo sends an event privately to one connection. Unknown ids are a
// no-op; the connection may have just vanished.
func (h *Hub) SendTo(connID, event string, payload interface{}) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.log.WithField("event", event).WithError(err).Error("failed to encode frame")
		return
	}
	h.directs <- direct{connID: connID, frame: frame}
}

// FanOutRemote delivers a frame received from the relay to all local
// connections without re-publishing it.
func (h *Hub) FanOutRemote(frame []byte) {
	h.broadcasts <- outbound{frame: frame, fromRelay: true}
}

// Active reports the current number of attached connections.
func (h *Hub) Active() int {
	return int(h.active.Load())
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", event, err)
		}
		raw = data
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s frame: %w", event, err)
	}
	return frame, nil
}
