// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "runtime"

// set through -ldflags "-X github.com/sustainable-computing-io/gpumon/internal/version.version=..."
var (
	version   string
	buildTime string
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string
	BuildTime string
	GitBranch string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

// Info returns the version information
func Info() VersionInfo {
	return VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

// Labels returns the build information as a label set for the build_info metric
func (v VersionInfo) Labels() map[string]string {
	return map[string]string{
		"version":   v.Version,
		"revision":  v.GitCommit,
		"branch":    v.GitBranch,
		"goversion": v.GoVersion,
		"goos":      v.GoOS,
		"goarch":    v.GoArch,
	}
}
