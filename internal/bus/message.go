package bus

import (
	"encoding/json"
	"time"
)

// Flag marks a message as carrying a control instruction instead of (or in
// addition to) application data. Control messages ride the same ordered
// per-topic stream as data so that membership changes interleave correctly
// with messages already in flight.
type Flag uint8

const (
	FlagNone Flag = 0

	// FlagAddGroup instructs the receiving subscription to start following
	// the topic named in the payload.
	FlagAddGroup Flag = 1 << iota
	// FlagRemoveGroup instructs the receiving subscription to stop following
	// the topic named in the payload.
	FlagRemoveGroup
	// FlagAbort instructs the receiving subscription to shut down.
	FlagAbort
)

// Message is a single entry in a topic's ordered stream. Payload is opaque to
// the bus; the transport layer forwards it verbatim.
type Message struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Flags   Flag            `json:"flags,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
	Time    time.Time       `json:"time"`
}

// IsControl reports whether the message carries a control instruction rather
// than pure application data.
func (m Message) IsControl() bool {
	return m.Flags&(FlagAddGroup|FlagRemoveGroup|FlagAbort) != 0
}
