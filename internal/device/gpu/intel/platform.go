// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package intel

import (
	"regexp"
	"strings"
)

var pciIDPattern = regexp.MustCompile(`([0-9A-Fa-f]{4}):([0-9A-Fa-f]{4})`)

var platforms = []struct {
	prefixes []string
	name     string
}{
	{[]string{"46", "4c"}, "Gen12 (Tiger Lake)"},
	{[]string{"9b", "8a"}, "Gen11 (Ice Lake)"},
	{[]string{"3e", "87"}, "Gen9.5 (Coffee Lake)"},
	{[]string{"59", "5a"}, "Gen9 (Skylake)"},
}

// genericPlatform is reported for Intel devices missing from the table
const genericPlatform = "Intel GPU"

// PlatformName maps a "vendor:device" PCI id such as 8086:46A6 to a GPU
// generation. Ids that cannot be parsed give "".
func PlatformName(pciID string) string {
	m := pciIDPattern.FindStringSubmatch(pciID)
	if m == nil {
		return ""
	}
	vendor, device := strings.ToLower(m[1]), strings.ToLower(m[2])
	if vendor != "8086" {
		return genericPlatform
	}
	for _, p := range platforms {
		for _, prefix := range p.prefixes {
			if strings.HasPrefix(device, prefix) {
				return p.name
			}
		}
	}
	return genericPlatform
}
