package timeparser

import (
	"fmt"
	"strconv"
	"time"
)

// ParseDeviceTimestamp parses a timestamp string as sent by vehicle-mounted
// devices. Older firmware sends DD/MM/YYYY wall-clock strings, newer firmware
// sends RFC3339 or unix epoch seconds.
func ParseDeviceTimestamp(dateStr string) (time.Time, error) {
	if secs, err := strconv.ParseInt(dateStr, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}

	formats := []string{
		time.RFC3339,
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"2006-01-02 15:04:05", // ISO-ish without zone
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of
// the time the gateway received it
func IsWithinTolerance(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
