// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Sensor is one hwmon channel, e.g. temp1 or power2, with its attribute files
type Sensor struct {
	Index int
	// Attrs maps an attribute suffix (input, average, cap, max, label) to its file path
	Attrs map[string]string
}

// FindHwmonDir returns the first hwmonN directory below a PCI device directory
func FindHwmonDir(devicePath string) (string, bool) {
	base := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", false
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "hwmon") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return filepath.Join(base, names[0]), true
}

// Sensors returns the channels of one kind (temp, power, fan, in, curr) in a
// hwmon directory, ordered by channel index.
func Sensors(hwmonDir, kind string) []Sensor {
	files, err := os.ReadDir(hwmonDir)
	if err != nil {
		return nil
	}

	pattern := regexp.MustCompile(fmt.Sprintf(`^%s(\d+)_(.+)$`, regexp.QuoteMeta(kind)))
	byIndex := map[int]map[string]string{}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		matches := pattern.FindStringSubmatch(file.Name())
		if len(matches) != 3 {
			continue
		}

		idx, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if byIndex[idx] == nil {
			byIndex[idx] = map[string]string{}
		}
		byIndex[idx][matches[2]] = filepath.Join(hwmonDir, file.Name())
	}

	sensors := make([]Sensor, 0, len(byIndex))
	for idx, attrs := range byIndex {
		sensors = append(sensors, Sensor{Index: idx, Attrs: attrs})
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].Index < sensors[j].Index })
	return sensors
}

// FirstSensorValue returns the first readable integer among the channels of
// kind. attrs are tried in preference order: every channel is checked for the
// first attribute before the next attribute is considered.
func FirstSensorValue(hwmonDir, kind string, attrs ...string) (int64, bool) {
	sensors := Sensors(hwmonDir, kind)
	for _, attr := range attrs {
		for _, s := range sensors {
			path, ok := s.Attrs[attr]
			if !ok {
				continue
			}
			if v, ok := ReadInt(path); ok {
				return v, true
			}
		}
	}
	return 0, false
}
