package backplane

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RetryDelay is one entry of a polling/backoff schedule: poll Repeat times
// with Delay between attempts. Repeat 0 means repeat indefinitely.
type RetryDelay struct {
	Delay  time.Duration
	Repeat int
}

// DefaultRetryDelays is the schedule used when none is configured: an
// immediate retry, a handful of short delays, then a capped long delay
// forever.
var DefaultRetryDelays = []RetryDelay{
	{Delay: 0, Repeat: 1},
	{Delay: 50 * time.Millisecond, Repeat: 5},
	{Delay: 250 * time.Millisecond, Repeat: 10},
	{Delay: time.Second, Repeat: 0},
}

// ParseRetryDelays parses a comma-separated schedule like "0x1,50msx5,1s".
// Each entry is a duration optionally followed by "x<repeat>"; a bare "0" is
// an immediate retry; a missing repeat (and the final entry once exhausted)
// repeats indefinitely.
func ParseRetryDelays(s string) ([]RetryDelay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRetryDelays, nil
	}

	var table []RetryDelay
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		entry := RetryDelay{}
		durStr := part
		if i := strings.LastIndex(part, "x"); i > 0 {
			repeat, err := strconv.Atoi(strings.TrimSpace(part[i+1:]))
			if err == nil {
				if repeat < 0 {
					return nil, fmt.Errorf("backplane: negative repeat in retry delay %q", part)
				}
				entry.Repeat = repeat
				durStr = strings.TrimSpace(part[:i])
			}
		}

		if durStr == "0" {
			entry.Delay = 0
		} else {
			d, err := time.ParseDuration(durStr)
			if err != nil {
				return nil, fmt.Errorf("backplane: bad retry delay %q: %w", part, err)
			}
			if d < 0 {
				return nil, fmt.Errorf("backplane: negative retry delay %q", part)
			}
			entry.Delay = d
		}
		table = append(table, entry)
	}
	if len(table) == 0 {
		return DefaultRetryDelays, nil
	}
	return table, nil
}

// Schedule walks a retry-delay table in order, repeating the last entry
// indefinitely once the table is exhausted. It is not safe for concurrent
// use; each reader loop owns its own schedule.
type Schedule struct {
	table []RetryDelay
	idx   int
	used  int
}

// NewSchedule creates a schedule over table, falling back to
// DefaultRetryDelays when table is empty.
func NewSchedule(table []RetryDelay) *Schedule {
	if len(table) == 0 {
		table = DefaultRetryDelays
	}
	return &Schedule{table: table}
}

// Next returns the delay before the next attempt and advances the schedule.
func (s *Schedule) Next() time.Duration {
	entry := s.table[s.idx]
	s.used++
	if entry.Repeat > 0 && s.used >= entry.Repeat && s.idx < len(s.table)-1 {
		s.idx++
		s.used = 0
	}
	return entry.Delay
}

// Reset rewinds the schedule to the head of the table. Called after an
// attempt that found data, so a busy stream polls eagerly again.
func (s *Schedule) Reset() {
	s.idx = 0
	s.used = 0
}
