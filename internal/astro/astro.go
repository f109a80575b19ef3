// Package astro holds the time and naming conventions shared by the
// reduction and mosaic stages: observing nights, MJDs and OmegaCAM file
// names.
package astro

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// mjdUnixEpoch is the MJD of 1970-01-01T00:00:00 UTC.
const mjdUnixEpoch = 40587.0

// ErrUnparsableName is returned for files that do not follow the reduced
// frame naming scheme.
var ErrUnparsableName = errors.New("unparsable frame name")

const (
	timestampLayout = "2006-01-02T15:04:05"
	nightLayout     = "2006-01-02"
)

// reduced per-CCD frames look like OMEGA.2024-11-08T06:33:23.138_12OFCS.fits
var reducedName = regexp.MustCompile(`^(?:[A-Za-z0-9]+\.)?(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?)_(\d+)OFCS\.fits$`)

// Frame is what a reduced file name tells us about its exposure.
type Frame struct {
	Timestamp string // as written in the name, UTC
	Time      time.Time
	MJD       float64
	CCD       int
}

// ParseTimestamp parses an archive timestamp (UTC, optional fractional seconds).
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// FormatTimestamp renders t with second resolution, the archive convention.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// MJD converts a time to a modified Julian date.
func MJD(t time.Time) float64 {
	return float64(t.UnixNano())/float64(24*time.Hour) + mjdUnixEpoch
}

// TimeFromMJD converts a modified Julian date to UTC, rounded to the millisecond.
func TimeFromMJD(mjd float64) time.Time {
	ms := math.Round((mjd - mjdUnixEpoch) * 86400e3)
	return time.UnixMilli(int64(ms)).UTC()
}

// DetermineNight returns the date (YYYY-MM-DD) of the evening that started
// the night ts belongs to. Local times from startHour until midnight belong
// to that same date; anything earlier belongs to the previous date.
func DetermineNight(ts time.Time, loc *time.Location, startHour int) string {
	local := ts.In(loc)
	if local.Hour() >= startHour {
		return local.Format(nightLayout)
	}
	return local.AddDate(0, 0, -1).Format(nightLayout)
}

// NightFromMJD is DetermineNight for an MJD.
func NightFromMJD(mjd float64, loc *time.Location, startHour int) string {
	return DetermineNight(TimeFromMJD(mjd), loc, startHour)
}

// ParseReducedName extracts timestamp, MJD and CCD number from a reduced
// per-CCD file name.
func ParseReducedName(path string) (Frame, error) {
	name := filepath.Base(path)
	m := reducedName.FindStringSubmatch(name)
	if m == nil {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnparsableName, name)
	}
	t, err := ParseTimestamp(m[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrUnparsableName, name, err)
	}
	ccd, err := strconv.Atoi(m[2])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrUnparsableName, name, err)
	}
	return Frame{Timestamp: m[1], Time: t, MJD: MJD(t), CCD: ccd}, nil
}

// SanitizeObject turns an archive object name into a directory-safe one.
func SanitizeObject(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// ArchiveObjectName is the inverse convention used by the archive records.
func ArchiveObjectName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "_", " "))
}

// MeanStd returns the mean and population standard deviation of xs.
func MeanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}
