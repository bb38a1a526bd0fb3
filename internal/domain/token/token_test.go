package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseSlotStartToMinutes(t *testing.T) {
	cases := []struct {
		name string
		time string
		slot string
		want int
	}{
		{"24h clock", "09:00", "", 540},
		{"24h afternoon", "14:30", "", 870},
		{"am suffix", "9:00 AM", "", 540},
		{"pm suffix", "2:30 PM", "", 870},
		{"noon", "12:00 PM", "", 720},
		{"midnight", "12:15 AM", "", 15},
		{"slot preferred over time", "08:00", "10:00-10:30", 600},
		{"slot range with meridiem", "", "10:00 AM - 10:30 AM", 600},
		{"unparsable falls back to zero", "whenever", "", 0},
		{"empty", "", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseSlotStartToMinutes(tc.time, tc.slot)
			if got != tc.want {
				t.Errorf("ParseSlotStartToMinutes(%q, %q) = %d, want %d", tc.time, tc.slot, got, tc.want)
			}
		})
	}
}

func TestSlotKeyFromMinutes(t *testing.T) {
	cases := []struct {
		minutes int
		want    string
	}{
		{540, "9A"},
		{569, "9A"},
		{570, "9B"},
		{599, "9B"},
		{600, "10A"},
		{0, "0A"},
		{-5, "0A"},
		{870, "14B"},
	}
	for _, tc := range cases {
		if got := SlotKeyFromMinutes(tc.minutes).String(); got != tc.want {
			t.Errorf("SlotKeyFromMinutes(%d) = %s, want %s", tc.minutes, got, tc.want)
		}
	}
}

func TestSlotKeyMinutesRoundTrip(t *testing.T) {
	for _, m := range []int{0, 30, 540, 570, 870, 1410} {
		key := SlotKeyFromMinutes(m)
		if key.Minutes() != m {
			t.Errorf("round trip %d: got %d via %s", m, key.Minutes(), key)
		}
	}
}

func TestFormatIdentifier(t *testing.T) {
	key := SlotKey{Hour: 9, Half: 'A'}

	if got := FormatIdentifier(key, 1); got != "9A-01" {
		t.Errorf("seq 1: got %s", got)
	}
	if got := FormatIdentifier(key, 12); got != "9A-12" {
		t.Errorf("seq 12: got %s", got)
	}
	if got := FormatIdentifier(key, 0); got != "9A-01" {
		t.Errorf("seq clamps low: got %s", got)
	}
	if got := FormatIdentifier(key, 150); got != "9A-99" {
		t.Errorf("seq clamps high: got %s", got)
	}
	if got := FormatIdentifier(SlotKey{Hour: 14, Half: 'B'}, 3); got != "14B-03" {
		t.Errorf("afternoon slot: got %s", got)
	}
}

func TestParseIdentifier(t *testing.T) {
	key, seq, ok := ParseIdentifier("9A-01")
	if !ok || key.Hour != 9 || key.Half != 'A' || seq != 1 {
		t.Fatalf("9A-01: key=%v seq=%d ok=%v", key, seq, ok)
	}

	key, seq, ok = ParseIdentifier("14B-12")
	if !ok || key.Hour != 14 || key.Half != 'B' || seq != 12 {
		t.Fatalf("14B-12: key=%v seq=%d ok=%v", key, seq, ok)
	}

	for _, bad := range []string{"", "42", "9C-01", "9A01", "9A-", "A-01", "99A-01", "token"} {
		if _, _, ok := ParseIdentifier(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestIsLateArrival(t *testing.T) {
	key := SlotKey{Hour: 9, Half: 'A'}
	date := "2026-03-10"

	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, time.Local)
	}

	if IsLateArrival(key, date, at(8, 55)) {
		t.Error("early arrival must not be late")
	}
	if IsLateArrival(key, date, at(9, 0)) {
		t.Error("arrival at exact slot start must not be late")
	}
	if !IsLateArrival(key, date, at(9, 1)) {
		t.Error("arrival after slot start must be late")
	}
	if IsLateArrival(key, "not-a-date", at(9, 30)) {
		t.Error("unparsable date must default to on time")
	}
}

func TestSlotCapacity(t *testing.T) {
	if got := SlotCapacity(uuid.New(), "2026-03-10"); got != DefaultSlotCapacity {
		t.Errorf("SlotCapacity = %d, want %d", got, DefaultSlotCapacity)
	}
}
