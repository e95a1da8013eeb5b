package medication

import (
	"fmt"
	"strconv"
	"strings"
)

// FrequencyKind selects how the daily administration times are derived.
type FrequencyKind string

const (
	FrequencyOnceDaily       FrequencyKind = "once_daily"
	FrequencyTwiceDaily      FrequencyKind = "twice_daily"
	FrequencyThreeTimesDaily FrequencyKind = "three_times_daily"
	FrequencyFourTimesDaily  FrequencyKind = "four_times_daily"
	FrequencyAsNeeded        FrequencyKind = "as_needed"
	FrequencyCustom          FrequencyKind = "custom"
)

// Valid reports whether k is a known frequency kind.
func (k FrequencyKind) Valid() bool {
	switch k {
	case FrequencyOnceDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily,
		FrequencyFourTimesDaily, FrequencyAsNeeded, FrequencyCustom:
		return true
	}
	return false
}

// Frequency is a tagged variant: Times is only meaningful for FrequencyCustom
// and holds the raw HH:MM entries as written by the prescriber.
//
// The text form is the kind name ("twice_daily"), "custom:08:00,13:30", or a
// bare comma-separated time list which implies custom.
type Frequency struct {
	Kind  FrequencyKind
	Times []string
}

// Fixed returns a non-custom frequency of the given kind.
func Fixed(kind FrequencyKind) Frequency { return Frequency{Kind: kind} }

// Custom returns a custom frequency over the given HH:MM entries.
func Custom(times ...string) Frequency {
	return Frequency{Kind: FrequencyCustom, Times: append([]string(nil), times...)}
}

// Clone returns a deep copy.
func (f Frequency) Clone() Frequency {
	f.Times = append([]string(nil), f.Times...)
	return f
}

// String renders the text form.
func (f Frequency) String() string {
	if f.Kind == FrequencyCustom {
		return string(FrequencyCustom) + ":" + strings.Join(f.Times, ",")
	}
	return string(f.Kind)
}

// MarshalText implements encoding.TextMarshaler.
func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Custom entries are kept
// verbatim; use ParseClockList to validate them strictly.
func (f *Frequency) UnmarshalText(b []byte) error {
	parsed, err := ParseFrequency(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFrequency parses the text form of a frequency.
func ParseFrequency(s string) (Frequency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Frequency{}, Validationf("frequency is required")
	}
	if kind := FrequencyKind(strings.ToLower(s)); kind.Valid() && kind != FrequencyCustom {
		return Fixed(kind), nil
	}

	list := s
	if rest, ok := strings.CutPrefix(strings.ToLower(s), string(FrequencyCustom)+":"); ok {
		list = rest
	} else if !strings.Contains(s, ":") {
		return Frequency{}, Validationf("unknown frequency %q", s)
	}

	var times []string
	for _, entry := range strings.Split(list, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			times = append(times, entry)
		}
	}
	if len(times) == 0 {
		return Frequency{}, Validationf("custom frequency %q has no times", s)
	}
	return Custom(times...), nil
}

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// String renders HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Minutes returns minutes since midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

// MarshalText implements encoding.TextMarshaler.
func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClock parses H:MM or HH:MM in 24-hour form.
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return ClockTime{}, Validationf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, Validationf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, Validationf("invalid minute in %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// ParseClockList strictly parses a comma-separated HH:MM list. Any malformed
// entry fails the whole list.
func ParseClockList(s string) ([]ClockTime, error) {
	var out []ClockTime
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		c, err := ParseClock(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, Validationf("time list %q is empty", s)
	}
	return out, nil
}

// ValidateStrict checks that every custom entry parses. Fixed kinds always pass.
func (f Frequency) ValidateStrict() error {
	if !f.Kind.Valid() {
		return Validationf("invalid frequency %q", f.Kind)
	}
	if f.Kind != FrequencyCustom {
		return nil
	}
	_, err := ParseClockList(strings.Join(f.Times, ","))
	return err
}
