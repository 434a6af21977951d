// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package intel

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/sysfs"
)

// engine is the cached topology of one engine directory
type engine struct {
	name  string
	path  string
	class gpu.EngineClass
}

var enginePrefixes = []struct {
	prefix string
	class  gpu.EngineClass
}{
	{"vecs", gpu.EngineClassVideoEnhance},
	{"rcs", gpu.EngineClassRender},
	{"bcs", gpu.EngineClassCopy},
	{"vcs", gpu.EngineClassVideo},
	{"ccs", gpu.EngineClassCompute},
}

// ClassFromName derives the engine class from an i915 engine name such as rcs0
func ClassFromName(name string) gpu.EngineClass {
	for _, p := range enginePrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.class
		}
	}
	return gpu.EngineClassUnknown
}

// i915 uapi engine class numbers as exposed in engine/<name>/class
var uapiClasses = map[int64]gpu.EngineClass{
	0: gpu.EngineClassRender,
	1: gpu.EngineClassCopy,
	2: gpu.EngineClassVideo,
	3: gpu.EngineClassVideoEnhance,
	4: gpu.EngineClassCompute,
}

var classNames = map[string]gpu.EngineClass{
	"render":        gpu.EngineClassRender,
	"copy":          gpu.EngineClassCopy,
	"video":         gpu.EngineClassVideo,
	"videoenhance":  gpu.EngineClassVideoEnhance,
	"video-enhance": gpu.EngineClassVideoEnhance,
	"video_enhance": gpu.EngineClassVideoEnhance,
	"compute":       gpu.EngineClassCompute,
}

// parseClassFile accepts the numeric uapi class or a class name
func parseClassFile(s string) (gpu.EngineClass, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		c, ok := uapiClasses[n]
		return c, ok
	}
	c, ok := classNames[s]
	return c, ok
}

// discoverEngines lists engineDir, keeping only engines that expose a
// utilization counter
func discoverEngines(engineDir string) []engine {
	entries, err := os.ReadDir(engineDir)
	if err != nil {
		return nil
	}

	var engines []engine
	for _, entry := range entries {
		path := filepath.Join(engineDir, entry.Name())
		if !sysfs.IsDir(path) {
			continue
		}
		if !sysfs.Exists(filepath.Join(path, "busy_percent")) && !sysfs.Exists(filepath.Join(path, "busy_ns")) {
			continue
		}

		e := engine{name: entry.Name(), path: path, class: ClassFromName(entry.Name())}
		if s, ok := sysfs.ReadFirstLine(filepath.Join(path, "class")); ok {
			if c, ok := parseClassFile(s); ok {
				e.class = c
			}
		}
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].name < engines[j].name })
	return engines
}

// busySample is the last busy_ns reading of one engine
type busySample struct {
	busyNS uint64
	at     time.Time
}

// busyPercent turns two busy_ns readings into a utilization percentage
func busyPercent(prev, cur busySample, instances int) int {
	elapsed := cur.at.Sub(prev.at)
	if elapsed <= 0 || cur.busyNS < prev.busyNS {
		return -1
	}
	if instances < 1 {
		instances = 1
	}
	pct := float64(cur.busyNS-prev.busyNS) * 100 / float64(elapsed.Nanoseconds()) / float64(instances)
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// AverageUtilization averages the engines that reported a value; -1 when none did
func AverageUtilization(engines []gpu.EngineStats) int {
	total, valid := 0, 0
	for _, e := range engines {
		if e.UtilizationPercent >= 0 {
			total += e.UtilizationPercent
			valid++
		}
	}
	if valid == 0 {
		return -1
	}
	return total / valid
}

// classAverage is AverageUtilization restricted to one engine class
func classAverage(engines []gpu.EngineStats, class gpu.EngineClass) int {
	var sel []gpu.EngineStats
	for _, e := range engines {
		if e.Class == class {
			sel = append(sel, e)
		}
	}
	return AverageUtilization(sel)
}
