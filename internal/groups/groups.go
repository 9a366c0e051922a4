// Package groups layers named group membership and publish helpers over the
// bus. Joins and leaves ride the member's own ordered stream as control
// messages, so a membership change lands at a well-defined point relative to
// data already in flight.
package groups

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/acks"
	"github.com/driftline/driftline/internal/bus"
)

// TopicBroadcast is the topic every connection follows; publishing to it
// reaches all connected clients.
const TopicBroadcast = "__all"

// ConnectionTopic is the private topic of one connection.
func ConnectionTopic(connectionID string) string {
	return "c." + connectionID
}

// GroupTopic is the shared topic of a named group.
func GroupTopic(name string) string {
	return "g." + name
}

// Manager issues membership changes and publishes to connections, groups,
// and the broadcast topic.
type Manager struct {
	b         *bus.Bus
	acks      *acks.Coordinator
	threshold time.Duration
}

// NewManager creates a Manager. threshold bounds how long a Join or Leave
// waits for the client's acknowledgement; zero uses the coordinator default.
func NewManager(b *bus.Bus, coordinator *acks.Coordinator, threshold time.Duration) *Manager {
	return &Manager{b: b, acks: coordinator, threshold: threshold}
}

// Join instructs the connection to start following the group and waits for
// the acknowledgement. A timed-out result is a normal outcome, reported in
// the Result rather than as an error; the caller decides whether to retry.
func (m *Manager) Join(ctx context.Context, connectionID, group string) (acks.Result, error) {
	return m.membership(ctx, connectionID, group, true)
}

// Leave instructs the connection to stop following the group and waits for
// the acknowledgement.
func (m *Manager) Leave(ctx context.Context, connectionID, group string) (acks.Result, error) {
	return m.membership(ctx, connectionID, group, false)
}

func (m *Manager) membership(ctx context.Context, connectionID, group string, join bool) (acks.Result, error) {
	ackID := uuid.New().String()
	done := m.acks.CreatePending(ackID, m.threshold)

	topic := ConnectionTopic(connectionID)
	var err error
	if join {
		err = m.b.AddInterest(ctx, topic, GroupTopic(group), ackID)
	} else {
		err = m.b.RemoveInterest(ctx, topic, GroupTopic(group), ackID)
	}
	if err != nil {
		m.acks.Complete(ackID) // release the pending entry
		return acks.Result{}, fmt.Errorf("groups: publish membership change: %w", err)
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return acks.Result{ID: ackID, TimedOut: true}, ctx.Err()
	}
}

// SendToConnection publishes a payload to one connection's private topic.
func (m *Manager) SendToConnection(ctx context.Context, connectionID string, payload []byte) error {
	return m.b.Publish(ctx, ConnectionTopic(connectionID), payload, bus.FlagNone, "")
}

// SendToGroup publishes a payload to every member of the group.
func (m *Manager) SendToGroup(ctx context.Context, group string, payload []byte) error {
	return m.b.Publish(ctx, GroupTopic(group), payload, bus.FlagNone, "")
}

// Broadcast publishes a payload to every connection.
func (m *Manager) Broadcast(ctx context.Context, payload []byte) error {
	return m.b.Publish(ctx, TopicBroadcast, payload, bus.FlagNone, "")
}

// Abort publishes the control message that tells the connection's transport
// to shut down.
func (m *Manager) Abort(ctx context.Context, connectionID string) error {
	return m.b.Publish(ctx, ConnectionTopic(connectionID), nil, bus.FlagAbort, "")
}
