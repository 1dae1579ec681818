package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{"PT5S", Duration{Seconds: 5}},
		{"P1DT2H30M", Duration{Days: 1, Hours: 2, Minutes: 30}},
		{"P1Y2M", Duration{Years: 1, Months: 2}},
		{"PT0.5S", Duration{Seconds: 0.5}},
		{"-PT1M", Duration{Negative: true, Minutes: 1}},
		{"90s", Duration{Minutes: 1, Seconds: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, in := range []string{"", "P", "PT", "P5H", "PT5D", "P1.5Y", "bogus", "PT5"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDuration(in)
			assert.Error(t, err)
		})
	}
}

func TestDuration_AddTo(t *testing.T) {
	base := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)

	d, err := ParseDuration("P1DT1H")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 11, 0, 0, 0, time.UTC), d.AddTo(base))

	neg, err := ParseDuration("-PT30M")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 31, 9, 30, 0, 0, time.UTC), neg.AddTo(base))
}

func TestDuration_String(t *testing.T) {
	assert.Equal(t, "P1DT2H", Duration{Days: 1, Hours: 2}.String())
	assert.Equal(t, "PT1.5S", Duration{Seconds: 1.5}.String())
	assert.Equal(t, "PT0S", Duration{}.String())
}
