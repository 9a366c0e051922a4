package bus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Cursor records the last-seen sequence per topic for one subscription. Its
// string form is the opaque resumption token a client echoes back on
// reconnect so delivery resumes exactly where it left off.
type Cursor map[string]uint64

// Clone returns an independent copy of the cursor.
func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// escapeTopic makes a topic key safe to embed in the serialized cursor.
func escapeTopic(topic string) string {
	var b strings.Builder
	for _, r := range topic {
		switch r {
		case '\\', '|', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String serializes the cursor as escaped "topic:seq" pairs joined by "|",
// sorted by topic key so equal cursors always serialize identically.
func (c Cursor) String() string {
	if len(c) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(escapeTopic(k))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[k], 10))
	}
	return b.String()
}

// ParseCursor parses a token produced by Cursor.String. An empty token yields
// an empty cursor.
func ParseCursor(token string) (Cursor, error) {
	c := make(Cursor)
	if token == "" {
		return c, nil
	}

	var topic strings.Builder
	var seq strings.Builder
	inSeq := false
	escaped := false

	flush := func() error {
		if topic.Len() == 0 || seq.Len() == 0 {
			return fmt.Errorf("bus: malformed cursor token")
		}
		n, err := strconv.ParseUint(seq.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("bus: malformed cursor sequence %q: %w", seq.String(), err)
		}
		c[topic.String()] = n
		topic.Reset()
		seq.Reset()
		inSeq = false
		return nil
	}

	for _, r := range token {
		switch {
		case escaped:
			topic.WriteRune(r)
			escaped = false
		case r == '\\' && !inSeq:
			escaped = true
		case r == ':' && !inSeq:
			inSeq = true
		case r == '|':
			if err := flush(); err != nil {
				return nil, err
			}
		case inSeq:
			seq.WriteRune(r)
		default:
			topic.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("bus: malformed cursor token")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return c, nil
}
