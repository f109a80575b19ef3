package astro

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func santiago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)
	return loc
}

func TestDetermineNight(t *testing.T) {
	loc := santiago(t)
	cases := []struct {
		ts   string
		want string
	}{
		// 03:33 local (UTC-3 in November): still the night that began on the 7th
		{"2024-11-08T06:33:23", "2024-11-07"},
		// 21:00 local on the 8th starts a new night
		{"2024-11-09T00:00:00", "2024-11-08"},
		// 19:59 local belongs to the previous night
		{"2024-11-08T22:59:59", "2024-11-07"},
		{"2024-11-08T23:00:00", "2024-11-08"},
	}
	for _, tc := range cases {
		ts, err := ParseTimestamp(tc.ts)
		require.NoError(t, err)
		assert.Equal(t, tc.want, DetermineNight(ts, loc, 20), tc.ts)
	}
}

func TestMJDRoundTrip(t *testing.T) {
	ts := time.Date(2024, 10, 24, 5, 41, 0, 0, time.UTC)
	mjd := MJD(ts)
	assert.InDelta(t, 60607.236806, mjd, 1e-6)
	assert.True(t, ts.Equal(TimeFromMJD(mjd)))

	assert.Equal(t, 40587.0, MJD(time.Unix(0, 0)))
}

func TestNightFromMJD(t *testing.T) {
	// 2024-10-24T05:41 UTC is 02:41 local, night of the 23rd
	assert.Equal(t, "2024-10-23", NightFromMJD(60607.236806, santiago(t), 20))
}

func TestParseReducedName(t *testing.T) {
	f, err := ParseReducedName("/data/red/OMEGA.2024-11-08T06:33:23.138_12OFCS.fits")
	require.NoError(t, err)
	assert.Equal(t, "2024-11-08T06:33:23.138", f.Timestamp)
	assert.Equal(t, 12, f.CCD)
	assert.Equal(t, 138*time.Millisecond, time.Duration(f.Time.Nanosecond()))
	assert.InDelta(t, MJD(f.Time), f.MJD, 1e-9)

	_, err = ParseReducedName("OMEGA.2024-11-08T06:33:23.138_red.fits")
	assert.True(t, errors.Is(err, ErrUnparsableName))
	_, err = ParseReducedName("notes.txt")
	assert.True(t, errors.Is(err, ErrUnparsableName))
}

func TestObjectNames(t *testing.T) {
	assert.Equal(t, "J1433_6007", SanitizeObject("J1433 6007"))
	assert.Equal(t, "J1433 6007", ArchiveObjectName("j1433_6007"))
}

func TestMeanStd(t *testing.T) {
	mean, std := MeanStd([]float64{1, 2, 3, 4})
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.InDelta(t, 1.118034, std, 1e-6)

	mean, std = MeanStd(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)
}
