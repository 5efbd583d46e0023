// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time of day as minutes since midnight.
// Window documents carry "HH:MM" strings; scheduling logic works on
// this form so comparisons are plain integer math.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24-hour) into a TimeOfDay. Rejects
// out-of-range hours and minutes.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("parsing time of day %q: %w", value, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time of day %q out of range", value)
	}
	return TimeOfDay(hour*60 + minute), nil
}

// TimeOfDayFrom extracts the time of day from an instant in its own
// location.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// String formats the time of day as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}
