package backplane

import (
	"reflect"
	"testing"
	"time"
)

func TestParseRetryDelays(t *testing.T) {
	cases := []struct {
		in   string
		want []RetryDelay
	}{
		{"", DefaultRetryDelays},
		{"  ", DefaultRetryDelays},
		{"0x1,50msx5,1s", []RetryDelay{
			{Delay: 0, Repeat: 1},
			{Delay: 50 * time.Millisecond, Repeat: 5},
			{Delay: time.Second, Repeat: 0},
		}},
		{"100ms", []RetryDelay{{Delay: 100 * time.Millisecond, Repeat: 0}}},
		{"0, 2s x 3", []RetryDelay{
			{Delay: 0, Repeat: 0},
			{Delay: 2 * time.Second, Repeat: 3},
		}},
	}
	for _, c := range cases {
		got, err := ParseRetryDelays(c.in)
		if err != nil {
			t.Errorf("ParseRetryDelays(%q) failed: %v", c.in, err)
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseRetryDelays(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseRetryDelaysRejectsGarbage(t *testing.T) {
	for _, in := range []string{"abc", "5", "-1s", "1sx-2"} {
		if _, err := ParseRetryDelays(in); err == nil {
			t.Errorf("ParseRetryDelays(%q) accepted garbage", in)
		}
	}
}

func TestScheduleWalksTableAndRepeatsLastEntry(t *testing.T) {
	s := NewSchedule([]RetryDelay{
		{Delay: 0, Repeat: 1},
		{Delay: 50 * time.Millisecond, Repeat: 2},
		{Delay: time.Second, Repeat: 0},
	})

	want := []time.Duration{
		0,
		50 * time.Millisecond, 50 * time.Millisecond,
		time.Second, time.Second, time.Second, time.Second,
	}
	for i, w := range want {
		if got := s.Next(); got != w {
			t.Fatalf("attempt %d: delay %v, want %v", i, got, w)
		}
	}
}

func TestScheduleResetRewinds(t *testing.T) {
	s := NewSchedule([]RetryDelay{
		{Delay: 10 * time.Millisecond, Repeat: 1},
		{Delay: time.Second, Repeat: 0},
	})

	s.Next()
	s.Next()
	if got := s.Next(); got != time.Second {
		t.Fatalf("expected schedule tail, got %v", got)
	}

	s.Reset()
	if got := s.Next(); got != 10*time.Millisecond {
		t.Fatalf("reset did not rewind: got %v", got)
	}
}

func TestScheduleEmptyTableFallsBack(t *testing.T) {
	s := NewSchedule(nil)
	if got := s.Next(); got != DefaultRetryDelays[0].Delay {
		t.Fatalf("expected default schedule head, got %v", got)
	}
}
