package bus

import (
	"reflect"
	"testing"
)

func TestCursorRoundTrip(t *testing.T) {
	cases := []Cursor{
		{},
		{"t1": 1},
		{"t1": 1, "t2": 42, "t3": 18446744073709551615},
		// Topics containing the serializer's own delimiters.
		{"a|b": 1, "c:d": 2, `e\f`: 3},
		{`we|ird\topic:with:everything`: 7},
		{"c.550e8400-e29b-41d4-a716-446655440000": 12, "g.room|1": 3},
	}
	for _, c := range cases {
		token := c.String()
		parsed, err := ParseCursor(token)
		if err != nil {
			t.Errorf("ParseCursor(%q) failed: %v", token, err)
			continue
		}
		if !reflect.DeepEqual(parsed, c) {
			t.Errorf("round trip of %v via %q gave %v", c, token, parsed)
		}
	}
}

func TestCursorStringIsDeterministic(t *testing.T) {
	c := Cursor{"z": 1, "a": 2, "m": 3}
	want := c.String()
	for i := 0; i < 20; i++ {
		if got := c.String(); got != want {
			t.Fatalf("serialization not stable: %q vs %q", got, want)
		}
	}
	if want != "a:2|m:3|z:1" {
		t.Fatalf("expected sorted pairs, got %q", want)
	}
}

func TestParseCursorRejectsMalformedTokens(t *testing.T) {
	bad := []string{
		"t1",          // no sequence
		"t1:",         // empty sequence
		":5",          // empty topic
		"t1:abc",      // non-numeric sequence
		"t1:5|",       // dangling separator
		"t1:5|t2",     // second pair incomplete
		`t1:5\`,       // trailing escape
		"t1:-3",       // negative sequence
		"t1:5:7",      // extra colon inside sequence
		"t1:99999999999999999999999", // overflows uint64
	}
	for _, token := range bad {
		if _, err := ParseCursor(token); err == nil {
			t.Errorf("ParseCursor(%q) accepted a malformed token", token)
		}
	}
}

func TestParseCursorEmpty(t *testing.T) {
	c, err := ParseCursor("")
	if err != nil {
		t.Fatalf("empty token failed: %v", err)
	}
	if len(c) != 0 {
		t.Fatalf("expected empty cursor, got %v", c)
	}
}
