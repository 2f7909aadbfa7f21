// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package measurement

import "fmt"

// Interval is the resolution of an aggregated series.
type Interval string

const (
	IntervalSecond         Interval = "second"
	IntervalFiveSeconds    Interval = "fiveSeconds"
	IntervalFifteenSeconds Interval = "fifteenSeconds"
	IntervalMinute         Interval = "minute"
	IntervalFiveMinutes    Interval = "fiveMinutes"
	IntervalFifteenMinutes Interval = "fifteenMinutes"
	IntervalHour           Interval = "hour"
	IntervalDay            Interval = "day"
	IntervalWeek           Interval = "week"
	IntervalMonth          Interval = "month"
	IntervalYear           Interval = "year"
)

var fluxDurations = map[Interval]string{
	IntervalSecond:         "1s",
	IntervalFiveSeconds:    "5s",
	IntervalFifteenSeconds: "15s",
	IntervalMinute:         "1m",
	IntervalFiveMinutes:    "5m",
	IntervalFifteenMinutes: "15m",
	IntervalHour:           "1h",
	IntervalDay:            "1d",
	IntervalWeek:           "1w",
	IntervalMonth:          "1mo",
	IntervalYear:           "1y",
}

// ParseInterval validates an interval name.
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if _, ok := fluxDurations[i]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownInterval, s)
	}
	return i, nil
}

// FluxDuration returns the Flux duration literal, e.g. "5m".
func (i Interval) FluxDuration() string {
	return fluxDurations[i]
}

// Intervals returns every supported interval name.
func Intervals() []Interval {
	return []Interval{
		IntervalSecond, IntervalFiveSeconds, IntervalFifteenSeconds,
		IntervalMinute, IntervalFiveMinutes, IntervalFifteenMinutes,
		IntervalHour, IntervalDay, IntervalWeek, IntervalMonth, IntervalYear,
	}
}
