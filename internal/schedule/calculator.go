// Package schedule derives the clock times at which a prescription's doses
// fall due on a given calendar date.
package schedule

import (
	"sort"
	"strings"
	"time"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

// Slots holds the default administration times for the fixed frequencies.
type Slots struct {
	OnceDaily       []medication.ClockTime
	TwiceDaily      []medication.ClockTime
	ThreeTimesDaily []medication.ClockTime
	FourTimesDaily  []medication.ClockTime
}

// DefaultSlots returns the facility default dosing times.
func DefaultSlots() Slots {
	at := func(h, m int) medication.ClockTime { return medication.ClockTime{Hour: h, Minute: m} }
	return Slots{
		OnceDaily:       []medication.ClockTime{at(9, 0)},
		TwiceDaily:      []medication.ClockTime{at(9, 0), at(21, 0)},
		ThreeTimesDaily: []medication.ClockTime{at(8, 0), at(14, 0), at(20, 0)},
		FourTimesDaily:  []medication.ClockTime{at(8, 0), at(12, 0), at(16, 0), at(20, 0)},
	}
}

// Calculator turns a prescription's frequency into concrete times. It holds
// no state beyond its slot table and is safe for concurrent use.
type Calculator struct {
	slots Slots
}

// NewCalculator returns a calculator using slots. Empty slot lists fall back
// to DefaultSlots.
func NewCalculator(slots Slots) *Calculator {
	def := DefaultSlots()
	if len(slots.OnceDaily) == 0 {
		slots.OnceDaily = def.OnceDaily
	}
	if len(slots.TwiceDaily) == 0 {
		slots.TwiceDaily = def.TwiceDaily
	}
	if len(slots.ThreeTimesDaily) == 0 {
		slots.ThreeTimesDaily = def.ThreeTimesDaily
	}
	if len(slots.FourTimesDaily) == 0 {
		slots.FourTimesDaily = def.FourTimesDaily
	}
	return &Calculator{slots: slots}
}

// Times returns the ordered, distinct instants on date (in loc) at which p
// is due. It does not consider the prescription's status or date range.
func (c *Calculator) Times(p medication.Prescription, date medication.Date, loc *time.Location) []time.Time {
	clocks := c.clocks(p.Frequency)
	if len(clocks) == 0 {
		return nil
	}

	times := make([]time.Time, 0, len(clocks))
	for _, ct := range clocks {
		times = append(times, date.At(ct, loc))
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	out := times[:0]
	for i, t := range times {
		if i > 0 && t.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (c *Calculator) clocks(f medication.Frequency) []medication.ClockTime {
	switch f.Kind {
	case medication.FrequencyOnceDaily:
		return c.slots.OnceDaily
	case medication.FrequencyTwiceDaily:
		return c.slots.TwiceDaily
	case medication.FrequencyThreeTimesDaily:
		return c.slots.ThreeTimesDaily
	case medication.FrequencyFourTimesDaily:
		return c.slots.FourTimesDaily
	case medication.FrequencyCustom:
		return lenientClocks(f.Times)
	default:
		return nil
	}
}

// lenientClocks parses entries, silently skipping malformed ones.
func lenientClocks(entries []string) []medication.ClockTime {
	var out []medication.ClockTime
	for _, raw := range entries {
		for _, entry := range strings.Split(raw, ",") {
			ct, err := medication.ParseClock(entry)
			if err != nil {
				continue
			}
			out = append(out, ct)
		}
	}
	return out
}
