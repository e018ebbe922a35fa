// Package relay bridges the local fan-out hub to other coordinator
// nodes over NATS, so a board served by several processes stays
// consistent: every locally-originated broadcast is published, and
// frames published by peers fan out to local connections.
//
// The relay is fire-and-forget by design. Broadcasts carry full
// authoritative state, so a dropped frame is corrected by the next one
// (or by the snapshot a client receives on reconnect); there is no
// need for JetStream persistence here.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubject is the NATS subject broadcast frames travel on.
const DefaultSubject = "corkboard.events.broadcast"

// FanOut receives frames published by peer nodes. The router's hub
// satisfies this.
type FanOut interface {
	FanOutRemote(frame []byte)
}

// message is the wire form on the relay subject. NodeID lets each node
// skip its own publications.
type message struct {
	NodeID string          `json:"nodeId"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay is one node's connection to the cluster subject.
type Relay struct {
	nodeID  string
	subject string
	conn    *nats.Conn
	sub     *nats.Subscription
	log     *logrus.Logger
}

// Option customizes a Relay.
type Option func(*settings)

type settings struct {
	subject string
	token   string
}

// WithSubject overrides the cluster subject.
func WithSubject(subject string) Option {
	return func(s *settings) { s.subject = subject }
}

// WithToken sets the NATS auth token.
func WithToken(token string) Option {
	return func(s *settings) { s.token = token }
}

// Connect dials the NATS server and subscribes the hub to peer frames.
// The client reconnects indefinitely; frames published while
// disconnected are simply lost, which the snapshot-on-reconnect model
// tolerates.
func Connect(url, nodeID string, hub FanOut, log *logrus.Logger, opts ...Option) (*Relay, error) {
	s := settings{subject: DefaultSubject}
	for _, opt := range opts {
		opt(&s)
	}

	connectOpts := []nats.Option{
		nats.Name("corkboard-" + nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("relay disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("relay reconnected")
		}),
	}
	if s.token != "" {
		connectOpts = append(connectOpts, nats.Token(s.token))
	}

	nc, err := nats.Connect(url, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("relay connect: %w", err)
	}

	r := &Relay{
		nodeID:  nodeID,
		subject: s.subject,
		conn:    nc,
		log:     log,
	}

	sub, err := nc.Subscribe(s.subject, func(m *nats.Msg) {
		var msg message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.WithError(err).Warn("relay received malformed message")
			return
		}
		if msg.NodeID == nodeID {
			return
		}
		hub.FanOutRemote(msg.Frame)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	r.sub = sub

	log.WithFields(logrus.Fields{
		"url":     url,
		"subject": s.subject,
		"node":    nodeID,
	}).Info("relay connected")
	return r, nil
}

// Publish mirrors one locally-originated broadcast frame to peers. It
// satisfies the hub's RelayPublisher hook.
func (r *Relay) Publish(frame []byte) error {
	data, err := json.Marshal(message{NodeID: r.nodeID, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay marshal: %w", err)
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Close drains the subscription so in-flight peer frames still deliver,
// then closes the connection.
func (r *Relay) Close(ctx context.Context) error {
	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			r.log.WithError(err).Warn("relay drain failed")
		}
	}
	done := make(chan struct{})
	go func() {
		r.conn.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
