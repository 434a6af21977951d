// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package amd

import (
	"regexp"
	"strconv"
	"strings"
)

var dpmClockPattern = regexp.MustCompile(`(?i)(\d+)\s*[MG]hz`)

// ParseCurrentDPMClock returns the frequency in MHz of the active level of a
// pp_dpm_* table, the one marked with '*':
//
//	0: 300Mhz
//	1: 600Mhz *
//	2: 900Mhz
func ParseCurrentDPMClock(table string) (int64, bool) {
	for _, line := range strings.Split(table, "\n") {
		if !strings.Contains(line, "*") {
			continue
		}
		m := dpmClockPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		mhz, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		return mhz, true
	}
	return 0, false
}

// ParseClockLevels returns the trimmed "N: value" lines of a pp_dpm_* table
func ParseClockLevels(table string) []string {
	var levels []string
	for _, line := range strings.Split(table, "\n") {
		l := strings.TrimSpace(line)
		if l != "" && strings.Contains(l, ":") {
			levels = append(levels, l)
		}
	}
	return levels
}

// ParsePowerProfiles returns the pp_power_profile_mode lines without the
// NUM header
func ParsePowerProfiles(content string) []string {
	var profiles []string
	for _, line := range strings.Split(content, "\n") {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "NUM") {
			continue
		}
		profiles = append(profiles, l)
	}
	return profiles
}
