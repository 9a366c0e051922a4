// Package transport adapts drained bus output to transport-specific wire
// behavior: long polling, Server-Sent-Events, hidden-iframe streaming, and
// full-duplex WebSocket. Adapters own connection keep-alive and surface
// transient write failures as reconnect cycles, never as silent loss.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/driftline/driftline/internal/bus"
)

// Connection lifecycle states shared by all transports.
const (
	StateConnecting int32 = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

// State is an atomic connection-state flag with checked transitions.
type State struct {
	v atomic.Int32
}

// Transition moves from one state to another, returning false if the current
// state differs from the expected one. Disconnected is terminal.
func (s *State) Transition(from, to int32) bool {
	return s.v.CompareAndSwap(from, to)
}

// Set forces the state.
func (s *State) Set(v int32) { s.v.Store(v) }

// Get returns the current state.
func (s *State) Get() int32 { return s.v.Load() }

// ErrSlowClient is returned when a client cannot keep up with its outbound
// queue; the connection is forced into a reconnect cycle.
var ErrSlowClient = errors.New("transport: client too slow, forcing reconnect")

// Envelope is the wire frame every transport carries: a cursor marker, the
// drained payloads, and optional control fields. Payloads are opaque JSON
// forwarded verbatim.
type Envelope struct {
	Cursor      string            `json:"cursor,omitempty"`
	Messages    []json.RawMessage `json:"messages,omitempty"`
	Init        bool              `json:"init,omitempty"`
	Reconnect   bool              `json:"reconnect,omitempty"`
	Reset       bool              `json:"reset,omitempty"`
	Disconnect  bool              `json:"disconnect,omitempty"`
	GroupsToken string            `json:"groupsToken,omitempty"`
	AckID       string            `json:"ackId,omitempty"`
}

// Options carries the per-connection collaboration points a transport needs.
type Options struct {
	// PollTimeout bounds how long a long-poll request idles before an empty
	// response.
	PollTimeout time.Duration
	// KeepAlive is the window without outbound data after which a
	// protocol-level keep-alive is emitted.
	KeepAlive time.Duration
	// GroupsToken mints a fresh group-membership token for the subscription.
	// Invoked whenever a drained batch contained membership changes.
	GroupsToken func(sub *bus.Subscription) (string, error)
	// OnInbound handles client-to-server traffic on full-duplex transports.
	OnInbound func(ctx context.Context, data []byte) error
	// Alive records transport-level evidence that the client is still
	// reachable: pong frames on sockets, successful writes on one-way
	// streams. It feeds the server's liveness monitor, which otherwise only
	// sees HTTP requests and would reap a healthy streaming listener that
	// never sends.
	Alive func()
	// Logger receives transport diagnostics; nil falls back to log.Default().
	Logger *log.Logger
}

func (o *Options) defaults() {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 110 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

func (o *Options) alive() {
	if o.Alive != nil {
		o.Alive()
	}
}

// buildEnvelope turns a drained batch into a wire envelope. Control messages
// are consumed here: membership changes refresh the groups token instead of
// reaching the client payload list, and an abort flips the disconnect flag.
// A marshal failure of any payload is fatal to the connection attempt.
func buildEnvelope(sub *bus.Subscription, msgs []bus.Message, cursor string, opts *Options) (Envelope, error) {
	env := Envelope{Cursor: cursor}
	membership := false
	for _, m := range msgs {
		if m.AckID != "" {
			env.AckID = m.AckID
		}
		if m.Flags&(bus.FlagAddGroup|bus.FlagRemoveGroup) != 0 {
			membership = true
			continue
		}
		if m.Flags&bus.FlagAbort != 0 {
			env.Disconnect = true
			continue
		}
		if len(m.Payload) > 0 && !json.Valid(m.Payload) {
			return Envelope{}, fmt.Errorf("transport: message %s/%d: payload is not valid JSON", m.Topic, m.Seq)
		}
		env.Messages = append(env.Messages, m.Payload)
	}
	if membership && opts.GroupsToken != nil {
		token, err := opts.GroupsToken(sub)
		if err != nil {
			return Envelope{}, fmt.Errorf("transport: mint groups token: %w", err)
		}
		env.GroupsToken = token
	}
	return env, nil
}

// InitEnvelope is the first frame of a fresh connection.
func InitEnvelope(cursor string) Envelope {
	return Envelope{Init: true, Cursor: cursor}
}

// ResetEnvelope tells the client its cursor aged out of retention and a
// fresh connect (not a cursor reconnect) is required.
func ResetEnvelope() Envelope {
	return Envelope{Reset: true}
}
