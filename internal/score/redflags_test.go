package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedFlagsKeywordFamilies(t *testing.T) {
	tests := []struct {
		name string
		in   RedFlagInput
		want string
	}{
		{
			name: "leasing keyword",
			in:   RedFlagInput{Description: "месечна вноска само 400лв", PriceBGN: 45_000, Year: 2022},
			want: "leasing",
		},
		{
			name: "right-hand drive in title",
			in:   RedFlagInput{Title: "Honda Civic RHD", PriceBGN: 9_000, Year: 2015},
			want: "right-hand drive",
		},
		{
			name: "car still abroad",
			in:   RedFlagInput{Description: "автомобилът е на път от германия", PriceBGN: 15_000, Year: 2018},
			want: "not in bulgaria",
		},
		{
			name: "accident damage",
			in:   RedFlagInput{Description: "лек удар отпред, за части", PriceBGN: 4_000, Year: 2012},
			want: "accident or damage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := RedFlags(tt.in, testNow)
			require.NotEmpty(t, flags)
			assert.Contains(t, flags[0], tt.want)
		})
	}
}

func TestRedFlagsUrgencyNeedsTwoPhrases(t *testing.T) {
	one := RedFlagInput{Description: "продавам спешно", PriceBGN: 12_000, Year: 2016}
	assert.Empty(t, RedFlags(one, testNow))

	two := RedFlagInput{Description: "спешно, напускам държавата", PriceBGN: 12_000, Year: 2016}
	assert.Equal(t, []string{"multiple urgency phrases"}, RedFlags(two, testNow))
}

func TestRedFlagsProbableLeasingBoundaries(t *testing.T) {
	base := RedFlagInput{Description: "mercedes c класа, топ състояние", PriceBGN: 18_000}

	recent := base
	recent.Year = testNow.Year() - 1
	assert.NotEmpty(t, RedFlags(recent, testNow))

	older := base
	older.Year = testNow.Year() - 2
	assert.Empty(t, RedFlags(older, testNow))

	pricedRight := base
	pricedRight.Year = testNow.Year()
	pricedRight.PriceBGN = 90_000
	assert.Empty(t, RedFlags(pricedRight, testNow))
}

func TestRedFlagsCleanListing(t *testing.T) {
	in := RedFlagInput{
		Title:       "VW Golf 7 2.0 TDI",
		Description: "перфектно състояние, редовно обслужван, два ключа",
		PriceBGN:    19_500,
		Year:        2018,
	}
	assert.Empty(t, RedFlags(in, testNow))
}
