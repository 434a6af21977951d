// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sysfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadFirstLine(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content *string
		want    string
		ok      bool
	}{
		{"single line", strPtr("0x10de\n"), "0x10de", true},
		{"multi line", strPtr("first\nsecond\n"), "first", true},
		{"no newline", strPtr("Radeon RX 6800"), "Radeon RX 6800", true},
		{"empty file", strPtr(""), "", false},
		{"blank first line", strPtr("\nsecond\n"), "", false},
		{"missing file", nil, "", false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "attr", strings.Repeat("x", i+1))
			if tt.content != nil {
				writeFile(t, path, *tt.content)
			}
			got, ok := ReadFirstLine(path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadInt(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		content string
		want    int64
		ok      bool
	}{
		{"42\n", 42, true},
		{"0x10de\n", 0x10de, true},
		{"0X8086", 0x8086, true},
		{"-5\n", -5, true},
		{"  17  \n", 17, true},
		{"12abc\n", 0, false},
		{"\n", 0, false},
		{"1.5\n", 0, false},
	}

	for i, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			path := writeFile(t, filepath.Join(dir, strings.Repeat("i", i+1)), tt.content)
			got, ok := ReadInt(path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ReadInt(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}

func TestReadUint(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "busy_ns"), "18446744073709551000\n")
	v, ok := ReadUint(path)
	require.True(t, ok)
	assert.Equal(t, uint64(18446744073709551000), v)

	path = writeFile(t, filepath.Join(dir, "neg"), "-1\n")
	_, ok = ReadUint(path)
	assert.False(t, ok)
}

func TestReadStringAndLines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "pp_dpm_sclk"), "0: 300Mhz\n\n1: 600Mhz *\n  2: 900Mhz  \n")

	s, ok := ReadString(path)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(s, "0: 300Mhz"))
	assert.True(t, strings.HasSuffix(s, "2: 900Mhz"))

	lines, ok := ReadLines(path)
	require.True(t, ok)
	assert.Equal(t, []string{"0: 300Mhz", "1: 600Mhz *", "2: 900Mhz"}, lines)

	empty := writeFile(t, filepath.Join(dir, "empty"), "\n \n")
	_, ok = ReadString(empty)
	assert.False(t, ok)
	_, ok = ReadLines(empty)
	assert.False(t, ok)
}

func TestReadKeyValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "uevent"),
		"DRIVER=amdgpu\nPCI_CLASS=30000\nPCI_ID=1002:73BF\nPCI_SLOT_NAME=0000:03:00.0\nMODALIAS=pci:v00001002d000073BF\ngarbage\n")

	kv, ok := ReadKeyValues(path)
	require.True(t, ok)
	assert.Equal(t, "amdgpu", kv["DRIVER"])
	assert.Equal(t, "1002:73BF", kv["PCI_ID"])
	assert.Equal(t, "0000:03:00.0", kv["PCI_SLOT_NAME"])
	assert.NotContains(t, kv, "garbage")

	_, ok = ReadKeyValues(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}

func TestLinkBase(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "bus", "pci", "drivers", "i915")
	require.NoError(t, os.MkdirAll(target, 0o755))
	link := filepath.Join(dir, "driver")
	require.NoError(t, os.Symlink(target, link))

	name, ok := LinkBase(link)
	require.True(t, ok)
	assert.Equal(t, "i915", name)

	_, ok = LinkBase(filepath.Join(dir, "nolink"))
	assert.False(t, ok)
}

func TestIsDirAndExists(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "f"), "x")

	assert.True(t, IsDir(dir))
	assert.False(t, IsDir(file))
	assert.True(t, Exists(file))
	assert.False(t, Exists(filepath.Join(dir, "nope")))
}

func strPtr(s string) *string { return &s }
