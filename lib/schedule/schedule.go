// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule resolves the channel an endpoint should display at
// a given instant. Resolution is a pure function of the endpoint's
// ChannelConfig, the external congestion level, and the wall clock;
// no I/O, no state.
//
// Precedence, highest first: sleep windows, congestion override
// (level >= 2 only), timer rules, normal channel. Rule lists may
// overlap; evaluation order decides, not time order. For timer rules
// the LAST matching rule in list order wins. This is a documented
// contract: operators append newer overrides to the end of the list
// and expect them to take effect.
package schedule

import (
	"fmt"
	"time"

	"github.com/vantage-displays/vantage/lib/schema"
)

// Resolve returns the channel config prescribes for the instant now
// under the given congestion level.
func Resolve(config schema.ChannelConfig, congestionLevel int, now time.Time) string {
	current := schema.TimeOfDayFrom(now)

	// Sleep windows short-circuit everything else. First match in
	// list order returns immediately; malformed entries are skipped.
	for _, window := range config.SleepWindows {
		matched, err := windowMatches(current, window.Start, window.End)
		if err != nil {
			continue
		}
		if matched {
			return config.SleepChannel
		}
	}

	// Congestion override. Level 1 never overrides, even when the
	// map carries a level1 entry. An absent mapping falls through to
	// timer resolution.
	if congestionLevel >= 2 {
		key := fmt.Sprintf("level%d", congestionLevel)
		if mapped, ok := config.CongestionChannels[key]; ok && mapped != "" {
			if mapped == schema.CongestionSameAsNormal {
				return config.NormalChannel
			}
			return mapped
		}
	}

	// Timer rules: scan the whole list, keep updating on every match
	// so the last matching rule in list order wins.
	lastMatch := ""
	for _, rule := range config.TimerRules {
		matched, err := windowMatches(current, rule.Start, rule.End)
		if err != nil {
			continue
		}
		if matched && rule.Channel != "" {
			lastMatch = rule.Channel
		}
	}
	if lastMatch != "" {
		return lastMatch
	}

	return config.NormalChannel
}

// windowMatches parses a window's bounds and applies InRange. The
// error return lets callers skip malformed entries without aborting
// the scan.
func windowMatches(now schema.TimeOfDay, start, end string) (bool, error) {
	startTime, err := schema.ParseTimeOfDay(start)
	if err != nil {
		return false, err
	}
	endTime, err := schema.ParseTimeOfDay(end)
	if err != nil {
		return false, err
	}
	return InRange(now, startTime, endTime), nil
}

// InRange reports whether now falls inside the daily window
// [start, end], inclusive on both bounds. Windows wrap midnight when
// start > end: the window then matches now >= start OR now <= end.
//
// A zero-length window (start == end) never matches. Without this
// guard a degenerate rule would match a single minute each day and,
// combined with last-match-wins, could permanently shadow earlier
// rules at that minute.
func InRange(now, start, end schema.TimeOfDay) bool {
	if start == end {
		return false
	}
	if start <= end {
		return start <= now && now <= end
	}
	return now >= start || now <= end
}
