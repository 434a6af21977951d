// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects which groups of GPU metrics are exported, as a bit pattern
type Level uint32

const (
	MetricsLevelDevice  Level = 1 << iota // 1: per-device telemetry
	MetricsLevelEngine                    // 2: per-engine utilization
	MetricsLevelProcess                   // 4: per-process GPU memory

	MetricsLevelAll = MetricsLevelDevice | MetricsLevelEngine | MetricsLevelProcess
)

var levelNames = []struct {
	level Level
	name  string
}{
	{MetricsLevelDevice, "device"},
	{MetricsLevelEngine, "engine"},
	{MetricsLevelProcess, "process"},
}

func (l Level) names() []string {
	var out []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			out = append(out, ln.name)
		}
	}
	return out
}

// String returns the comma separated list of enabled levels
func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

func (l Level) IsDeviceEnabled() bool {
	return l&MetricsLevelDevice != 0
}

func (l Level) IsEngineEnabled() bool {
	return l&MetricsLevelEngine != 0
}

func (l Level) IsProcessEnabled() bool {
	return l&MetricsLevelProcess != 0
}

// ParseLevel parses a slice of strings into a Level; an empty slice means all levels
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		found := false
		for _, ln := range levelNames {
			if ln.name == name {
				result |= ln.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}

	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	out := make([]string, 0, len(levelNames))
	for _, ln := range levelNames {
		out = append(out, ln.name)
	}
	return out
}

// MarshalYAML implements yaml.Marshaler interface
func (l Level) MarshalYAML() (interface{}, error) {
	levels := l.names()
	if len(levels) == 1 {
		return levels[0], nil
	}
	return levels, nil
}

// UnmarshalYAML accepts either a single level or a list of levels
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, parseErr := ParseLevel([]string{single})
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, parseErr := ParseLevel(multiple)
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}
