package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

func clockStrings(times []time.Time) []string {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.Format("15:04")
	}
	return out
}

func TestTimesFixedFrequencies(t *testing.T) {
	calc := NewCalculator(Slots{})
	date := medication.NewDate(2024, time.June, 1)

	tests := []struct {
		kind medication.FrequencyKind
		want []string
	}{
		{medication.FrequencyOnceDaily, []string{"09:00"}},
		{medication.FrequencyTwiceDaily, []string{"09:00", "21:00"}},
		{medication.FrequencyThreeTimesDaily, []string{"08:00", "14:00", "20:00"}},
		{medication.FrequencyFourTimesDaily, []string{"08:00", "12:00", "16:00", "20:00"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p := medication.Prescription{Frequency: medication.Fixed(tt.kind)}
			got := calc.Times(p, date, time.UTC)
			assert.Equal(t, tt.want, clockStrings(got))
			for _, ts := range got {
				assert.Equal(t, date, medication.DateOf(ts))
			}
		})
	}
}

func TestTimesAsNeededIsEmpty(t *testing.T) {
	calc := NewCalculator(Slots{})
	p := medication.Prescription{Frequency: medication.Fixed(medication.FrequencyAsNeeded)}
	assert.Empty(t, calc.Times(p, medication.NewDate(2024, time.June, 1), time.UTC))
}

func TestTimesCustomSkipsMalformedAndSorts(t *testing.T) {
	calc := NewCalculator(Slots{})
	p := medication.Prescription{
		Frequency: medication.Custom("22:15", "bogus", "07:30", "25:00", "7:05", "22:15", "12:3"),
	}

	got := calc.Times(p, medication.NewDate(2024, time.June, 1), time.UTC)
	assert.Equal(t, []string{"07:05", "07:30", "22:15"}, clockStrings(got))
}

func TestTimesCustomAllMalformed(t *testing.T) {
	calc := NewCalculator(Slots{})
	p := medication.Prescription{Frequency: medication.Custom("noon", "")}
	assert.Empty(t, calc.Times(p, medication.NewDate(2024, time.June, 1), time.UTC))
}

func TestTimesDeterministic(t *testing.T) {
	calc := NewCalculator(Slots{})
	p := medication.Prescription{Frequency: medication.Custom("20:00", "08:00")}
	date := medication.NewDate(2024, time.February, 29)

	first := calc.Times(p, date, time.UTC)
	second := calc.Times(p, date, time.UTC)
	assert.Equal(t, first, second)
}

func TestTimesUseSubjectLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	calc := NewCalculator(Slots{})
	p := medication.Prescription{Frequency: medication.Fixed(medication.FrequencyOnceDaily)}

	got := calc.Times(p, medication.NewDate(2024, time.June, 1), loc)
	require.Len(t, got, 1)
	assert.Equal(t, loc, got[0].Location())
	assert.Equal(t, 13, got[0].UTC().Hour())
}

func TestCustomSlotsOverrideDefaults(t *testing.T) {
	calc := NewCalculator(Slots{OnceDaily: []medication.ClockTime{{Hour: 7}}})
	p := medication.Prescription{Frequency: medication.Fixed(medication.FrequencyOnceDaily)}

	got := calc.Times(p, medication.NewDate(2024, time.June, 1), time.UTC)
	assert.Equal(t, []string{"07:00"}, clockStrings(got))

	p.Frequency = medication.Fixed(medication.FrequencyTwiceDaily)
	assert.Equal(t, []string{"09:00", "21:00"}, clockStrings(calc.Times(p, medication.NewDate(2024, time.June, 1), time.UTC)))
}
