// Package token implements the OPD slot and queue token codec.
//
// A clinic day is divided into 30-minute slots. Each slot is identified
// by a compact key such as "9A" (09:00-09:29) or "14B" (14:30-14:59).
// A patient token appends a two-digit sequence number within the slot,
// e.g. "9A-01".
package token

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSlotCapacity is the number of tokens issued per 30-minute slot
// before sequence numbers saturate.
const DefaultSlotCapacity = 10

// MaxSeq is the largest sequence number representable in a token
// identifier. Sequences are clamped into [1, MaxSeq].
const MaxSeq = 99

var tokenPattern = regexp.MustCompile(`^(\d{1,2})(A|B)-(\d{1,2})$`)

// SlotKey identifies a 30-minute slot within a clinic day.
// Half is 'A' for the first half of the hour and 'B' for the second.
type SlotKey struct {
	Hour int
	Half byte
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%d%c", k.Hour, k.Half)
}

// Minutes returns the slot's start as minutes after local midnight.
func (k SlotKey) Minutes() int {
	m := k.Hour * 60
	if k.Half == 'B' {
		m += 30
	}
	return m
}

// SlotKeyFromMinutes buckets a minutes-after-midnight value into its
// 30-minute slot.
func SlotKeyFromMinutes(minutes int) SlotKey {
	if minutes < 0 {
		minutes = 0
	}
	hour := minutes / 60
	half := byte('A')
	if minutes%60 >= 30 {
		half = 'B'
	}
	return SlotKey{Hour: hour, Half: half}
}

// ParseSlotKey parses a compact slot key such as "9A" or "14B".
func ParseSlotKey(s string) (SlotKey, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return SlotKey{}, false
	}
	half := s[len(s)-1]
	if half != 'A' && half != 'B' {
		return SlotKey{}, false
	}
	hour, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || hour < 0 || hour > 23 {
		return SlotKey{}, false
	}
	return SlotKey{Hour: hour, Half: half}, true
}

// ParseSlotStartToMinutes resolves an appointment's slot start to
// minutes after midnight. The slot string is preferred over the bare
// time; either may be "HH:mm", "h:mm AM/PM", or a range ("10:00-10:30",
// "10:00 AM - 10:30 AM"), in which case the range start is used.
// Unparsable input yields 0, which buckets into the day's first slot.
func ParseSlotStartToMinutes(timeStr, slot string) int {
	s := strings.TrimSpace(slot)
	if s == "" {
		s = strings.TrimSpace(timeStr)
	}
	if s == "" {
		return 0
	}
	// Use the start of a range.
	if idx := strings.Index(s, "-"); idx > 0 {
		s = strings.TrimSpace(s[:idx])
	}
	if m, ok := parseClock(s); ok {
		return m
	}
	return 0
}

// parseClock parses "HH:mm", "H:mm", "h:mm AM", "h:mmPM" into minutes
// after midnight.
func parseClock(s string) (int, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))

	meridiem := ""
	for _, suffix := range []string{"AM", "PM", "A.M.", "P.M."} {
		if strings.HasSuffix(s, suffix) {
			meridiem = suffix[:1]
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}

	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false
	}
	min, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, false
	}
	if min < 0 || min > 59 {
		return 0, false
	}

	switch meridiem {
	case "A":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "P":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour < 0 || hour > 23 {
			return 0, false
		}
	}
	return hour*60 + min, true
}

// FormatIdentifier renders a token identifier such as "9A-01".
// The sequence is clamped into [1, MaxSeq]; it is not an error to pass
// a sequence past the slot capacity, the identifier simply saturates.
func FormatIdentifier(key SlotKey, seq int) string {
	if seq < 1 {
		seq = 1
	}
	if seq > MaxSeq {
		seq = MaxSeq
	}
	return fmt.Sprintf("%s-%02d", key.String(), seq)
}

// ParseIdentifier splits a token identifier into its slot key and
// sequence number. Identifiers that predate the slot scheme (bare
// numerics, empty strings) report ok=false.
func ParseIdentifier(s string) (key SlotKey, seq int, ok bool) {
	m := tokenPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return SlotKey{}, 0, false
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil || hour > 23 {
		return SlotKey{}, 0, false
	}
	seq, err = strconv.Atoi(m[3])
	if err != nil {
		return SlotKey{}, 0, false
	}
	return SlotKey{Hour: hour, Half: m[2][0]}, seq, true
}

// SlotStartAt returns the wall-clock instant at which the slot opens on
// the given clinic date ("2006-01-02"), in loc.
func SlotStartAt(key SlotKey, date string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clinic date: %w", err)
	}
	min := 0
	if key.Half == 'B' {
		min = 30
	}
	return time.Date(d.Year(), d.Month(), d.Day(), key.Hour, min, 0, 0, loc), nil
}

// IsLateArrival reports whether a check-in at checkedInAt happened
// strictly after the slot's start on the given clinic date. Check-ins
// at the exact slot start are on time. An unparsable date counts as on
// time.
func IsLateArrival(key SlotKey, date string, checkedInAt time.Time) bool {
	start, err := SlotStartAt(key, date, checkedInAt.Location())
	if err != nil {
		return false
	}
	return checkedInAt.After(start)
}

// SlotCapacity returns the token capacity of a single slot for the
// given doctor and date. Per-doctor overrides are a planned extension;
// today every slot carries the default capacity.
func SlotCapacity(doctorID uuid.UUID, date string) int {
	return DefaultSlotCapacity
}
